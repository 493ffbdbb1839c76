// Package exitwatch watches the live quote stream for stop-loss and target
// breaches on the round's instrument and fires the exit action exactly once.
package exitwatch

import (
	"log"
	"sync"

	"mirror-core/internal/events"
	"mirror-core/pkg/broker"
)

// Kind distinguishes the two exit triggers.
type Kind string

const (
	KindStopLoss Kind = "STOPLOSS"
	KindTarget   Kind = "TARGET"
)

// Breach describes the tick that tripped the monitor.
type Breach struct {
	Kind  Kind
	Level float64
	Price float64
	Token string
}

// Monitor holds at most one stop-loss and one target level and compares each
// incoming tick against them while armed. The first breach disarms the
// monitor before the callback runs, so later ticks past the level are
// ignored until it is rearmed.
type Monitor struct {
	bus *events.Bus

	// OnBreach runs once per arm, on its own goroutine.
	OnBreach func(b Breach)

	mu       sync.Mutex
	armed    bool
	stop     float64 // 0 means unset
	target   float64 // 0 means unset
	token    string
	lastTick float64
}

func NewMonitor(bus *events.Bus) *Monitor {
	return &Monitor{bus: bus}
}

// SetStopLoss sets the stop level. A zero clears it.
func (m *Monitor) SetStopLoss(level float64) {
	m.mu.Lock()
	m.stop = level
	m.mu.Unlock()
}

// SetTarget sets the target level. A zero clears it.
func (m *Monitor) SetTarget(level float64) {
	m.mu.Lock()
	m.target = level
	m.mu.Unlock()
}

// Arm starts breach evaluation under the given round token. At least one
// level must be set.
func (m *Monitor) Arm(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == 0 && m.target == 0 {
		return false
	}
	m.armed = true
	m.token = token
	log.Printf("exitwatch: armed (stop %.2f, target %.2f)", m.stop, m.target)
	return true
}

// Disarm stops breach evaluation. Levels are kept for a later rearm.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	if m.armed {
		log.Printf("exitwatch: disarmed")
	}
	m.armed = false
	m.mu.Unlock()
}

// Armed reports whether the monitor is currently evaluating ticks.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Levels returns the configured stop and target.
func (m *Monitor) Levels() (stop, target float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop, m.target
}

// LastPrice returns the most recent tick seen, armed or not.
func (m *Monitor) LastPrice() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTick
}

// OnTick evaluates one quote. Stop-loss trips at price <= level, target at
// price >= level. The monitor disarms before invoking the callback.
func (m *Monitor) OnTick(tick broker.Tick) {
	m.mu.Lock()
	m.lastTick = tick.LastPrice
	if !m.armed {
		m.mu.Unlock()
		return
	}

	var breach *Breach
	switch {
	case m.stop > 0 && tick.LastPrice <= m.stop:
		breach = &Breach{Kind: KindStopLoss, Level: m.stop, Price: tick.LastPrice, Token: m.token}
	case m.target > 0 && tick.LastPrice >= m.target:
		breach = &Breach{Kind: KindTarget, Level: m.target, Price: tick.LastPrice, Token: m.token}
	}
	if breach == nil {
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.mu.Unlock()

	log.Printf("exitwatch: %s breached at %.2f (level %.2f)", breach.Kind, breach.Price, breach.Level)
	m.bus.Publish(events.TopicBreach, *breach)
	if m.OnBreach != nil {
		go m.OnBreach(*breach)
	}
}
