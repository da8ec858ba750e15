package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/model"
)

// Broker fans bus events out to SSE subscribers. Confidential and pii events
// never reach the stream: the bus is node-local but SSE clients may be
// forwarding to dashboards.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	unsubscribe func()
}

// NewBroker creates a broker subscribed to b. Call Close when done.
func NewBroker(b bus.Bus, logger *slog.Logger) (*Broker, error) {
	br := &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
	unsub, err := b.Subscribe(br.consume)
	if err != nil {
		return nil, err
	}
	br.unsubscribe = unsub
	return br, nil
}

// Close detaches from the bus and closes all subscriber channels.
func (b *Broker) Close() {
	b.unsubscribe()
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan []byte]struct{})
}

func (b *Broker) consume(_ context.Context, ev model.SyncEvent) {
	if ev.Confidentiality == model.ConfidentialityConfidential || ev.Confidentiality == model.ConfidentialityPII {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("broker: marshal event", "error", err)
		return
	}
	b.broadcast(formatSSE(string(ev.Kind), string(data)))
}

// Subscribe returns a channel receiving SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // buffered so one slow client can't stall the bus handler
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// broadcast sends an event to all subscribers. Subscribers with a full
// buffer miss the event rather than blocking everyone else.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE renders one Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
