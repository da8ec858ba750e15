// Package ratelimit throttles MCP tool calls. The hub fronts every agent on
// its machine, so keys are agent ids and one in-process bucket per agent is
// enough; the Limiter interface keeps the server decoupled from the
// implementation so tests can substitute a deterministic one.
package ratelimit

import "context"

// Limiter decides whether the request identified by key may proceed. Keys
// are agent ids for MCP traffic; admin callers reach the handler with an
// empty key and bypass limiting entirely. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether one request for key may proceed now. An error
	// means the limiter itself failed; callers fail open so a broken
	// limiter never blocks the hive's traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops background maintenance.
	Close() error
}

// NoopLimiter admits everything. Wired when HAIVEMIND_HTTP_RATE_LIMIT_RPS
// is zero.
type NoopLimiter struct{}

// Allow always admits.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
