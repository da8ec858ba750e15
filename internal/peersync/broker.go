package peersync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/model"
)

// Broker fans locally originated sync events out to subscribe streams. Each
// subscriber is one connected peer; events it may not receive per its
// confidentiality class are filtered before delivery.
type Broker struct {
	machineID string
	logger    *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan model.SyncEvent]bool // value: peer is internal-trusted
	unsubscribe func()
}

// NewBroker creates a broker and attaches it to the bus.
func NewBroker(machineID string, b bus.Bus, logger *slog.Logger) (*Broker, error) {
	br := &Broker{
		machineID:   machineID,
		logger:      logger,
		subscribers: make(map[chan model.SyncEvent]bool),
	}
	unsub, err := b.Subscribe(func(_ context.Context, ev model.SyncEvent) {
		br.broadcast(ev)
	})
	if err != nil {
		return nil, err
	}
	br.unsubscribe = unsub
	return br, nil
}

// Subscribe registers one peer stream. internalPeer grants delivery of
// internal-level events. The caller must Unsubscribe when the stream ends.
func (b *Broker) Subscribe(internalPeer bool) chan model.SyncEvent {
	// Buffered so one stalled stream never blocks the bus handler.
	ch := make(chan model.SyncEvent, 64)
	b.mu.Lock()
	b.subscribers[ch] = internalPeer
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a peer stream.
func (b *Broker) Unsubscribe(ch chan model.SyncEvent) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Close detaches the broker from the bus and closes every stream.
func (b *Broker) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *Broker) broadcast(ev model.SyncEvent) {
	// Only mirror what this node wrote; inbound replays would loop.
	if ev.OriginMachineID != b.machineID {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, internal := range b.subscribers {
		if !ev.Outbound(internal) {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Dropped events are recovered by the peer's next pull.
			b.logger.Debug("peersync: subscriber buffer full, dropping event",
				"kind", ev.Kind, "memory_id", ev.MemoryID)
		}
	}
}
