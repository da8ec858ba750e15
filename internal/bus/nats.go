package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haivemind/haivemind/internal/model"
)

// subjectPrefix namespaces hAIveMind traffic on a shared NATS server.
const subjectPrefix = "haivemind.events."

// NATSBus publishes sync events over a NATS connection. Each event kind maps
// to its own subject so consumers can subscribe narrowly if needed; the Bus
// interface subscribes to the wildcard.
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSBus connects to the NATS server at url. Reconnection is handled by
// the client with unlimited retries and a 2 s wait, matching the trust model
// of a private overlay where peers come and go.
func NewNATSBus(url string, logger *slog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus: nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats at %s: %w", url, err)
	}
	return &NATSBus{conn: conn, logger: logger}, nil
}

// Publish emits the event on its kind's subject.
func (b *NATSBus) Publish(_ context.Context, ev model.SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.conn.Publish(subjectPrefix+string(ev.Kind), data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe registers handler for every event kind via the wildcard subject.
func (b *NATSBus) Subscribe(handler Handler) (func(), error) {
	sub, err := b.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var ev model.SyncEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("bus: drop undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		handler(context.Background(), ev)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains in-flight messages then closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("bus: drain nats: %w", err)
	}
	return nil
}
