// Package mcp implements the Model Context Protocol facade for hAIveMind.
//
// Every capability of the hub — memories, confidence, agent coordination,
// sync introspection — is exposed as MCP tools so any MCP-compatible agent
// can join the collective. The same Server instance backs both transports:
// stdio (one session per process) and streamable HTTP (multi-client, with
// auth and rate limiting applied by the server package before dispatch).
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/ctxutil"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/registry"
	"github.com/haivemind/haivemind/internal/storage"
)

// SyncInfo reports replication state for the sync_status tool. Implemented
// by peersync.Syncer; nil when the node runs without peers.
type SyncInfo interface {
	PeerCount() int
	HealthyPeers() int
}

// Server wraps the MCP server with the hub's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	mem       *memory.Engine
	conf      *confidence.Engine
	reg       *registry.Registry
	sync      SyncInfo
	guide     *sessionGuide
	roots     *rootsCache
	machineID string
	logger    *slog.Logger
}

// New creates and configures an MCP server with the full tool surface.
// sync may be nil on single-node installs.
func New(db *storage.DB, mem *memory.Engine, conf *confidence.Engine, reg *registry.Registry, sync SyncInfo, cache *bus.Cache, machineID, version string, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		mem:       mem,
		conf:      conf,
		reg:       reg,
		sync:      sync,
		guide:     newSessionGuide(cache, guideWindow),
		roots:     newRootsCache(),
		machineID: machineID,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"haivemind",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolHandlerMiddleware(toolAccessMiddleware),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerMemoryTools()
	s.registerConfidenceTools()
	s.registerAgentTools()
	s.registerInfraTools()
	s.registerGuideTools()
	s.registerSyncTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// toolAccessMiddleware enforces the token's tool allow-list. Stdio sessions
// carry no claims and pass through; the HTTP transport authenticates before
// dispatch reaches here.
func toolAccessMiddleware(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !claims.CanCall(request.Params.Name) {
			return errorResult(model.E(model.KindForbidden, "token does not permit tool %q", request.Params.Name)), nil
		}
		return next(ctx, request)
	}
}

// callerAgent resolves the acting agent: the explicit argument if given,
// otherwise the authenticated identity, otherwise the fallback.
func (s *Server) callerAgent(ctx context.Context, request mcplib.CallToolRequest, fallback string) string {
	if id := request.GetString("agent_id", ""); id != "" {
		return id
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && claims.AgentID != "" {
		return claims.AgentID
	}
	return fallback
}

// sessionKey identifies the calling session for the format guide. HTTP
// sessions have MCP session ids; stdio falls back to the agent identity.
func (s *Server) sessionKey(ctx context.Context, request mcplib.CallToolRequest) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		if id := session.SessionID(); id != "" {
			return id
		}
	}
	return "stdio:" + s.callerAgent(ctx, request, "anonymous")
}

// jsonResult marshals v into a text tool result.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(model.Wrap(model.KindInvalidArgument, err, "encode result"))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

// errorResult shapes a service error into the stable wire form: a short
// machine-readable code plus the human-readable detail, never a stack trace.
func errorResult(err error) *mcplib.CallToolResult {
	body, _ := json.Marshal(map[string]string{
		"code":   string(model.KindOf(err)),
		"detail": err.Error(),
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(body)},
		},
		IsError: true,
	}
}

// invalidResult is errorResult for argument failures caught before any
// service call.
func invalidResult(format string, args ...any) *mcplib.CallToolResult {
	return errorResult(model.E(model.KindInvalidArgument, format, args...))
}

// parseTimestamp accepts RFC 3339 and returns nil for the empty string.
func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, model.Wrap(model.KindInvalidArgument, err, "parse timestamp %q", s)
	}
	return &ts, nil
}
