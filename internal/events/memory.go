package events

import (
	"context"
	"sync"
)

// Bus is an in-process publisher used in tests and when Kafka is not
// configured. Subscribers are invoked synchronously in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}
