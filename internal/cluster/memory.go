package cluster

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. It backs single-binary deployments that
// still want the relay code path, and the cluster tests.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// Publish delivers data to every subscriber of topic. Delivery is
// synchronous per subscriber so a single publisher's messages stay ordered.
func (b *MemoryBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

// Subscribe registers fn for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	return nil
}
