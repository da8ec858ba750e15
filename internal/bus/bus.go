// Package bus provides the ephemeral coordination fabric: a pub/sub channel
// for sync events and a low-latency key-value cache. Everything held here is
// reconstructible from the metadata store.
//
// Two Bus implementations exist: a NATS-backed one for multi-process
// deployments and an in-process one for single-node installs and tests.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/haivemind/haivemind/internal/model"
)

// Handler consumes one sync event. Handlers must be idempotent on the
// event's idempotency key; delivery is at-least-once.
type Handler func(ctx context.Context, ev model.SyncEvent)

// Bus is the pub/sub channel for cross-process sync events.
type Bus interface {
	// Publish emits one event to every subscriber of its kind.
	Publish(ctx context.Context, ev model.SyncEvent) error

	// Subscribe registers a handler for all event kinds. Returns an
	// unsubscribe function.
	Subscribe(handler Handler) (unsubscribe func(), err error)

	// Close releases connections and stops delivery.
	Close() error
}

// cacheSchemaVersion guards cached record decoding. Values written by an
// incompatible build are evicted rather than decoded.
const cacheSchemaVersion = 2

type envelope struct {
	Schema int             `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// Cache is a typed wrapper over an in-memory TTL cache. All values are stored
// as schema-versioned JSON records so a stale process never misdecodes a
// newer layout.
type Cache struct {
	c *gocache.Cache
}

// NewCache creates a cache with the given default TTL. Expired entries are
// purged at twice the TTL.
func NewCache(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{c: gocache.New(defaultTTL, 2*defaultTTL)}
}

// Set stores v under key with the default TTL.
func (k *Cache) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: cache marshal %q: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Schema: cacheSchemaVersion, Data: data})
	if err != nil {
		return fmt.Errorf("bus: cache envelope %q: %w", key, err)
	}
	k.c.SetDefault(key, raw)
	return nil
}

// Get loads key into out. Returns false when absent, expired, or written by
// an incompatible schema version (which is evicted on sight).
func (k *Cache) Get(key string, out any) bool {
	v, ok := k.c.Get(key)
	if !ok {
		return false
	}
	raw, ok := v.([]byte)
	if !ok {
		k.c.Delete(key)
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Schema != cacheSchemaVersion {
		k.c.Delete(key)
		return false
	}
	return json.Unmarshal(env.Data, out) == nil
}

// Delete removes key.
func (k *Cache) Delete(key string) { k.c.Delete(key) }

// Increment bumps a counter key by one, creating it at 1 with no expiry when
// absent. Used for session access counters.
func (k *Cache) Increment(key string) int64 {
	// Add is a no-op (error) when the key exists; either way the key holds
	// an int64 afterwards.
	_ = k.c.Add(key, int64(0), gocache.NoExpiration)
	n, err := k.c.IncrementInt64(key, 1)
	if err != nil {
		k.c.Set(key, int64(1), gocache.NoExpiration)
		return 1
	}
	return n
}
