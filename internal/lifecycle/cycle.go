package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// CycleState is the process-wide trading round state. It gates which actions
// are valid and is the invariant the tracker maintains under concurrent,
// out-of-order account events.
type CycleState string

const (
	CycleIdle       CycleState = "IDLE"
	CycleBuyPlaced  CycleState = "BUY_PLACED"
	CycleBuyFilled  CycleState = "BUY_FILLED"
	CycleSellPlaced CycleState = "SELL_PLACED"
)

// Cycle holds the round state plus a session token. Every transition is
// token-checked so a completion that raced a user Release cannot advance a
// round it no longer belongs to.
type Cycle struct {
	mu    sync.Mutex
	state CycleState
	token string
}

// NewCycle starts idle with a fresh token.
func NewCycle() *Cycle {
	return &Cycle{state: CycleIdle, token: uuid.NewString()}
}

// State returns the current round state.
func (c *Cycle) State() CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current session token.
func (c *Cycle) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Begin starts a new round: Idle -> BuyPlaced under a fresh token. Returns
// false when a round is already underway.
func (c *Cycle) Begin() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CycleIdle {
		return "", false
	}
	c.state = CycleBuyPlaced
	c.token = uuid.NewString()
	return c.token, true
}

// AdvanceIf performs a guarded transition. The token must still match: a
// stale caller (one that started before a Release) gets false and must not
// apply side effects.
func (c *Cycle) AdvanceIf(token string, from, to CycleState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != token || c.state != from {
		return false
	}
	c.state = to
	return true
}

// Release forces the round back to Idle and rotates the token so in-flight
// completions are orphaned. Returns the previous state.
func (c *Cycle) Release() CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = CycleIdle
	c.token = uuid.NewString()
	return prev
}
