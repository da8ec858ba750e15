// Package server is the HTTP front door for a hAIveMind node: the MCP
// streamable-HTTP transport, the SSE event stream, token issuance, and
// health. Authentication, rate limiting, and concurrency bounds live here;
// the MCP layer below sees only claims in the context.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/haivemind/haivemind/internal/auth"
	"github.com/haivemind/haivemind/internal/ctxutil"
	"github.com/haivemind/haivemind/internal/mcp"
	"github.com/haivemind/haivemind/internal/ratelimit"
)

// Server is the hAIveMind HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings for a Server.
// Optional fields (nil-safe): Limiter, Broker, Sync.
type Config struct {
	MCP        *mcp.Server
	JWTMgr     *auth.JWTManager
	AdminToken string
	Logger     *slog.Logger

	Limiter ratelimit.Limiter
	Broker  *Broker
	Sync    mcp.SyncInfo

	// DefaultTools caps what issued agent tokens may call. Empty means
	// tokens are scoped only by what their request asks for.
	DefaultTools []string

	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxConcurrent int
	MachineID     string
	Version       string
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{
		jwtMgr:       cfg.JWTMgr,
		adminToken:   cfg.AdminToken,
		broker:       cfg.Broker,
		sync:         cfg.Sync,
		defaultTools: cfg.DefaultTools,
		machineID:    cfg.MachineID,
		version:      cfg.Version,
		started:      time.Now(),
		logger:       cfg.Logger,
	}

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	mcpRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance authenticates via the admin token inside the handler.
	mux.Handle("POST /auth/token", http.HandlerFunc(h.handleAuthToken))

	// MCP streamable-HTTP transport. Claims ride from the HTTP context into
	// the tool dispatch context so the allow-list middleware can see them.
	mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCP.MCPServer(),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
				ctx = ctxutil.WithClaims(ctx, claims)
			}
			if id := ctxutil.RequestIDFromContext(r.Context()); id != "" {
				ctx = ctxutil.WithRequestID(ctx, id)
			}
			return ctx
		}),
	)
	mux.Handle("/mcp", mcpRL(mcpHTTP))

	// Live event stream. Long-lived connection, so no rate limit.
	mux.Handle("GET /sse", http.HandlerFunc(h.handleSSE))

	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → auth → concurrency bound → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = concurrencyMiddleware(cfg.MaxConcurrent, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AdminToken, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// WriteTimeout would kill SSE and long MCP streams; rely on
			// per-request deadlines instead.
			WriteTimeout: 0,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// agentKeyFunc keys rate limiting by authenticated agent. Admin tokens are
// exempt; unauthenticated requests fail auth before reaching the limiter.
func agentKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.Admin {
		return ""
	}
	return claims.AgentID
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
