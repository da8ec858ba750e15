package ratelimit

import (
	"context"
	"sync"
	"time"
)

// agentBucket is one agent's token balance. Tokens accrue continuously at
// the configured rate up to the burst cap; each tool call spends one.
type agentBucket struct {
	tokens    float64
	touchedAt time.Time
}

// AgentLimiter is a per-agent token bucket. Every agent id gets an
// independent bucket, so one chatty agent cannot starve the rest of the
// hive's access to the hub. Buckets for agents that have gone quiet are
// evicted in the background to keep the map bounded.
type AgentLimiter struct {
	rate  float64 // tokens per second
	burst float64 // bucket cap

	mu      sync.Mutex
	buckets map[string]*agentBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewAgentLimiter builds a limiter admitting rate sustained calls per second
// per agent with bursts up to burst. Call Close to stop the eviction
// goroutine.
func NewAgentLimiter(rate float64, burst int) *AgentLimiter {
	l := &AgentLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*agentBucket),
		done:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow spends one token from the agent's bucket, admitting the call when a
// token was available.
func (l *AgentLimiter) Allow(_ context.Context, agentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[agentID]
	if !ok {
		// An unseen agent starts with a full bucket, minus this call.
		l.buckets[agentID] = &agentBucket{tokens: l.burst - 1, touchedAt: now}
		return true, nil
	}

	b.tokens += now.Sub(b.touchedAt).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.touchedAt = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call more than once.
func (l *AgentLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

// idleEviction is how long an agent must be silent before its bucket is
// dropped. An evicted agent simply starts over with a full bucket.
const idleEviction = 10 * time.Minute

func (l *AgentLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *AgentLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-idleEviction)
	for agentID, b := range l.buckets {
		if b.touchedAt.Before(cutoff) {
			delete(l.buckets, agentID)
		}
	}
}
