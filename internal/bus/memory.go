package bus

import (
	"context"
	"sync"

	"github.com/haivemind/haivemind/internal/model"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Delivery is synchronous in Publish; handlers that block should dispatch to
// their own workers.
type MemoryBus struct {
	mu       sync.RWMutex
	closed   bool
	nextID   int
	handlers map[int]Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

// Publish delivers ev to every subscribed handler.
func (b *MemoryBus) Publish(ctx context.Context, ev model.SyncEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, ev)
	}
	return nil
}

// Subscribe registers handler until the returned function is called.
func (b *MemoryBus) Subscribe(handler Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// Close stops delivery.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	b.mu.Unlock()
	return nil
}
