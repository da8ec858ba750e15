package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/model"
)

// guideWindow is how long a session counts as already guided. Long enough
// that one conversation never sees the reference twice, short enough that a
// long-lived stdio process gets a refresher across days.
const guideWindow = 12 * time.Hour

const accessCounterKey = "guide:memory_accesses"

// formatReference is the compact memory format reference prepended to a
// session's first memory-returning response. Purely informational; nothing
// server-side changes because a client read it.
const formatReference = `HAIVEMIND MEMORY FORMAT (compact reference)

Write memories as short, dense, standalone facts. One fact per memory.
  GOOD: "Redis cluster has 6 nodes on ports 6379-6384"
  BAD:  "I looked into the Redis setup today and it seems like there are..."

Fields: content (the fact), category (infrastructure|incidents|runbooks|
deployments|monitoring|security|project|conversation|agent|global|...),
tags (lowercase, specific),
context (optional provenance), confidentiality_level (normal|internal|
confidential|pii — a one-way ratchet upward; confidential and pii never
leave this machine).

Search before storing: near-duplicates dilute search quality and may be
rejected outright when exact-hash dedup is enforced. Verify memories you
rely on (verify tool) — it feeds the confidence score everyone sees.`

// sessionGuide decides when a session gets the format reference and keeps
// the global access counter. Adapted for sessions rather than per-memory
// state on purpose: the guide is conversation-scoped, not data-scoped.
//
// In-memory and per-process; a restart re-guides active sessions, which is
// harmless because the reference is informational.
type sessionGuide struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	window   time.Duration
	cache    *bus.Cache
	accesses atomic.Int64
}

func newSessionGuide(cache *bus.Cache, window time.Duration) *sessionGuide {
	return &sessionGuide{
		seen:   make(map[string]time.Time),
		window: window,
		cache:  cache,
	}
}

// Touch records a memory-returning call for the session. It returns true
// when this is the session's first such call inside the window, meaning the
// response should carry the format reference.
func (g *sessionGuide) Touch(sessionKey string) bool {
	g.accesses.Add(1)
	g.cache.Increment(accessCounterKey)

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) > 1000 {
		g.purgeStale()
	}

	ts, ok := g.seen[sessionKey]
	g.seen[sessionKey] = time.Now()
	return !ok || time.Since(ts) > g.window
}

// Guided reports whether the session has already received the reference.
// Stores in guided sessions are stamped format v2.
func (g *sessionGuide) Guided(sessionKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.seen[sessionKey]
	return ok && time.Since(ts) <= g.window
}

// Accesses returns the process-lifetime memory access counter.
func (g *sessionGuide) Accesses() int64 {
	return g.accesses.Load()
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (g *sessionGuide) purgeStale() {
	now := time.Now()
	for k, ts := range g.seen {
		if now.Sub(ts) > g.window {
			delete(g.seen, k)
		}
	}
}

// shapeMemoryResult wraps a memory-returning tool response, prepending the
// format reference on the session's first call.
func (s *Server) shapeMemoryResult(ctx context.Context, request mcplib.CallToolRequest, result *mcplib.CallToolResult) *mcplib.CallToolResult {
	if result == nil || result.IsError {
		return result
	}
	if s.guide.Touch(s.sessionKey(ctx, request)) {
		result.Content = append([]mcplib.Content{
			mcplib.TextContent{Type: "text", Text: formatReference},
		}, result.Content...)
	}
	return result
}

// storeFormat picks the format stamp for a newly stored memory: v2 in
// sessions that have seen the guide, v1 otherwise.
func (s *Server) storeFormat(ctx context.Context, request mcplib.CallToolRequest) model.FormatVersion {
	if s.guide.Guided(s.sessionKey(ctx, request)) {
		return model.FormatV2
	}
	return model.FormatV1
}

func (s *Server) registerGuideTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("get_format_guide",
			mcplib.WithDescription("Get the compact memory format reference: how to write dense, searchable memories and which fields mean what."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleGetFormatGuide,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_memory_access_stats",
			mcplib.WithDescription("Memory access statistics for this node: total accesses plus v1/v2 format split (v1 memories are flagged compressible)."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleAccessStats,
	)
}

func (s *Server) handleGetFormatGuide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	// Requesting the guide explicitly counts as being guided.
	s.guide.Touch(s.sessionKey(ctx, request))
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: formatReference},
		},
	}, nil
}

func (s *Server) handleAccessStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"accesses":        s.guide.Accesses(),
		"format_v1":       stats.FormatV1,
		"format_v2":       stats.FormatV2,
		"v1_compressible": stats.FormatV1 > 0,
	}), nil
}
