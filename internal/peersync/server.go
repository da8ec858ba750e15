package peersync

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

// Wire types for the peer RPC. Both sides speak JSON over HTTP on the sync
// port; authentication is a fleet-shared bearer token.

// StatusResponse answers GET /sync/v1/status.
type StatusResponse struct {
	MachineID   string           `json:"machine_id"`
	LatestSeq   int64            `json:"latest_seq"`
	Checkpoints map[string]int64 `json:"last_known_peer_checkpoints,omitempty"`
	WallClock   time.Time        `json:"wall_clock"`
}

// PullRequest asks for journal entries after a checkpoint. AfterSeq doubles
// as an acknowledgment of everything at or below it.
type PullRequest struct {
	MachineID string `json:"machine_id"`
	AfterSeq  int64  `json:"after_seq"`
	Limit     int    `json:"limit,omitempty"`
}

// PullResponse carries a batch of journal entries, oldest first. NextSeq is
// the highest sequence the server examined for this batch; the puller resumes
// from there even when confidentiality filtering emptied the batch.
type PullResponse struct {
	Events    []storage.JournalEntry `json:"events"`
	NextSeq   int64                  `json:"next_seq"`
	LatestSeq int64                  `json:"latest_seq"`
}

// PushRequest delivers journal entries from the sending peer.
type PushRequest struct {
	MachineID string                 `json:"machine_id"`
	Events    []storage.JournalEntry `json:"events"`
}

// PushResponse reports the per-event outcome, index-aligned with the request.
type PushResponse struct {
	Statuses []model.PushStatus `json:"statuses"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServerConfig holds the sync endpoint's dependencies and settings.
type ServerConfig struct {
	MachineID   string
	Token       string // shared bearer secret; empty disables auth (tests only)
	Peers       []config.Peer
	MaxInflight int // concurrent push applications before TryAgainLater
}

// Server exposes the peer RPC endpoints. Mount Mux on the sync listener.
type Server struct {
	db       *storage.DB
	applier  *Applier
	broker   *Broker
	cfg      ServerConfig
	logger   *slog.Logger
	inflight chan struct{}
	internal map[string]bool
}

// NewServer builds the sync RPC server.
func NewServer(db *storage.DB, applier *Applier, broker *Broker, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	internal := make(map[string]bool, len(cfg.Peers))
	for _, p := range cfg.Peers {
		internal[p.MachineID] = p.Internal
	}
	return &Server{
		db:       db,
		applier:  applier,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		inflight: make(chan struct{}, cfg.MaxInflight),
		internal: internal,
	}
}

// Mux returns the routed handler with bearer auth applied.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/v1/status", s.handleStatus)
	mux.HandleFunc("POST /sync/v1/pull", s.handlePull)
	mux.HandleFunc("POST /sync/v1/push", s.handlePush)
	mux.HandleFunc("GET /sync/v1/subscribe", s.handleSubscribe)
	return s.auth(mux)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid sync token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	seq, err := s.db.LatestSeq(ctx)
	if err != nil {
		s.logger.Error("peersync: status latest seq", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	checkpoints, err := s.db.PeerCheckpoints(ctx)
	if err != nil {
		s.logger.Error("peersync: status checkpoints", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		MachineID:   s.cfg.MachineID,
		LatestSeq:   seq,
		Checkpoints: checkpoints,
		WallClock:   time.Now().UTC(),
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed pull request")
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	ctx := r.Context()

	// The requester has everything up to AfterSeq; that is an ack.
	if err := s.db.SetPeerAck(ctx, req.MachineID, req.AfterSeq); err != nil {
		s.logger.Warn("peersync: record pull ack", "peer", req.MachineID, "error", err)
	}

	entries, err := s.db.EventsSince(ctx, req.AfterSeq, req.Limit)
	if err != nil {
		s.logger.Error("peersync: pull events", "peer", req.MachineID, "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	internal := s.internal[req.MachineID]
	nextSeq := req.AfterSeq
	filtered := entries[:0]
	for _, e := range entries {
		if e.Seq > nextSeq {
			nextSeq = e.Seq
		}
		if e.Event.Outbound(internal) {
			filtered = append(filtered, e)
		}
	}
	latest, err := s.db.LatestSeq(ctx)
	if err != nil {
		s.logger.Error("peersync: pull latest seq", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, PullResponse{Events: filtered, NextSeq: nextSeq, LatestSeq: latest})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		writeError(w, http.StatusTooManyRequests, string(model.KindTryAgainLater))
		return
	}

	var req PushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed push request")
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	ctx := r.Context()
	statuses := make([]model.PushStatus, 0, len(req.Events))
	var maxSeq int64
	for _, entry := range req.Events {
		status, err := s.applier.Apply(ctx, entry.Event)
		if err != nil {
			s.logger.Error("peersync: apply pushed event",
				"peer", req.MachineID, "kind", entry.Event.Kind, "error", err)
			writeError(w, http.StatusInternalServerError, "event application failed")
			return
		}
		statuses = append(statuses, status)
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
	}

	// Remember how far this peer's journal we have seen, so our pulls
	// resume past pushed entries.
	if maxSeq > 0 {
		if err := s.db.SetPeerCheckpoint(ctx, req.MachineID, maxSeq); err != nil {
			s.logger.Warn("peersync: checkpoint pushed events", "peer", req.MachineID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, PushResponse{Statuses: statuses})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("machine_id")
	if peer == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection; the listener's WriteTimeout would kill it.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := s.broker.Subscribe(s.internal[peer])
	defer s.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("peersync: marshal stream event", "kind", ev.Kind, "error", err)
				continue
			}
			if _, err := w.Write(formatSSE(string(ev.Kind), data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(event string, data []byte) []byte {
	out := make([]byte, 0, len(event)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
