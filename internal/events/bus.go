package events

import "sync"

// Bus is the in-process pub/sub fabric between the tracker, monitor, session
// and control surface. Delivery is best-effort: Publish never blocks, and a
// subscriber whose buffer is full misses that message rather than stalling
// order processing.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]chan any
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[uint64]chan any)}
}

// Subscribe opens a buffered feed for one topic. The returned cancel detaches
// the feed and closes the channel; calling it more than once is harmless.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan any, buffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan any)
	}
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans the payload out to the topic's current subscribers.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Listen is a typed Subscribe: payloads that are not a T are discarded, so
// consumers skip the type assertion. Cancel semantics match Subscribe.
func Listen[T any](b *Bus, topic Topic, buffer int) (<-chan T, func()) {
	raw, cancel := b.Subscribe(topic, buffer)
	out := make(chan T, buffer)
	go func() {
		defer close(out)
		for msg := range raw {
			if v, ok := msg.(T); ok {
				out <- v
			}
		}
	}()
	return out, cancel
}
