package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/haivemind/haivemind/internal/auth"
	"github.com/haivemind/haivemind/internal/mcp"
)

type handlers struct {
	jwtMgr       *auth.JWTManager
	adminToken   string
	broker       *Broker
	sync         mcp.SyncInfo
	defaultTools []string
	machineID    string
	version      string
	started      time.Time
	logger       *slog.Logger
}

// handleHealth reports liveness plus basic topology. No auth: load
// balancers and peers probe it.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"version":    h.version,
		"machine_id": h.machineID,
		"uptime_s":   int64(time.Since(h.started).Seconds()),
	}
	if h.sync != nil {
		body["peers"] = h.sync.PeerCount()
		body["healthy_peers"] = h.sync.HealthyPeers()
	}
	writeJSON(w, http.StatusOK, body)
}

type tokenRequest struct {
	AgentID      string   `json:"agent_id"`
	MachineID    string   `json:"machine_id"`
	Admin        bool     `json:"admin"`
	AllowedTools []string `json:"allowed_tools"`
}

// handleAuthToken issues an agent JWT. The caller authenticates with the
// admin token; agent tokens cannot mint further tokens.
func (h *handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" {
		writeError(w, r, http.StatusForbidden, "Forbidden", "token issuance disabled: no admin token configured")
		return
	}
	presented, ok := bearerToken(r)
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, "Unauthorized", "admin token required")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "agent_id is required")
		return
	}
	machineID := req.MachineID
	if machineID == "" {
		machineID = h.machineID
	}

	tools := h.scopedTools(req.AllowedTools)
	token, expiresAt, err := h.jwtMgr.IssueToken(req.AgentID, machineID, req.Admin, tools)
	if err != nil {
		h.logger.Error("issue token", "error", err, "agent_id", req.AgentID)
		writeError(w, r, http.StatusInternalServerError, "StorageError", "token issuance failed")
		return
	}

	h.logger.Info("token issued",
		"agent_id", req.AgentID,
		"machine_id", machineID,
		"admin", req.Admin,
		"scoped", len(tools) > 0,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC(),
	})
}

// scopedTools combines the node-level tool allow-list with the requested
// scope. The node list is a cap: a token can never call a tool the node
// would not permit.
func (h *handlers) scopedTools(requested []string) []string {
	if len(h.defaultTools) == 0 {
		return requested
	}
	if len(requested) == 0 {
		return h.defaultTools
	}
	permitted := make(map[string]bool, len(h.defaultTools))
	for _, tool := range h.defaultTools {
		permitted[tool] = true
	}
	var tools []string
	for _, tool := range requested {
		if permitted[tool] {
			tools = append(tools, tool)
		}
	}
	return tools
}

// handleSSE streams bus events to the client until it disconnects.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusNotImplemented, "Unavailable", "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "Unavailable", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Immediate comment line so proxies commit to streaming.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
