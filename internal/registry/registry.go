// Package registry tracks the fleet's agents: registration, liveness,
// capability-ranked task delegation, broadcasts, and cross-node agent
// queries. The roster lives in Postgres; a cache snapshot keeps the hot
// read path off the database.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

const rosterCacheKey = "registry:roster"

// Config tunes the registry.
type Config struct {
	MachineID         string
	HeartbeatInterval time.Duration
	IdleAfter         time.Duration
	OfflineAfter      time.Duration
	QueryTimeout      time.Duration
}

// Registry is the agent registry service.
type Registry struct {
	db     *storage.DB
	bus    bus.Bus
	cache  *bus.Cache
	mem    *memory.Engine
	cfg    Config
	logger *slog.Logger

	rendezvous *rendezvous
}

// New builds a Registry. The memory engine backs broadcasts; the cache holds
// the roster snapshot.
func New(db *storage.DB, b bus.Bus, cache *bus.Cache, mem *memory.Engine, cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 90 * time.Second
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 5 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	r := &Registry{db: db, bus: b, cache: cache, mem: mem, cfg: cfg, logger: logger}

	rv, err := newRendezvous(b, logger)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, err, "attach query rendezvous")
	}
	r.rendezvous = rv
	return r, nil
}

// Close detaches the registry from the bus.
func (r *Registry) Close() {
	r.rendezvous.close()
}

// RegisterRequest describes one agent joining the collective.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register upserts an agent on this machine. Re-registering refreshes the
// heartbeat and resets the status to active.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (model.Agent, error) {
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		return model.Agent{}, model.Wrap(model.KindInvalidArgument, err, "register agent")
	}
	agent, err := r.db.UpsertAgent(ctx, model.Agent{
		AgentID:      req.AgentID,
		MachineID:    r.cfg.MachineID,
		Role:         req.Role,
		Description:  req.Description,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return model.Agent{}, model.Wrap(model.KindStorageError, err, "register agent")
	}
	r.invalidateRoster()
	r.publishHeartbeat(ctx, agent.AgentID)
	return agent, nil
}

// Heartbeat refreshes an agent's liveness.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	if err := r.db.Heartbeat(ctx, agentID); err != nil {
		return mapStorageErr(err, "heartbeat")
	}
	r.invalidateRoster()
	r.publishHeartbeat(ctx, agentID)
	return nil
}

// Roster lists agents matching the filter, with per-category credibility
// attached. An unfiltered roster is served from the cache snapshot.
func (r *Registry) Roster(ctx context.Context, f model.RosterFilter) ([]model.Agent, error) {
	if f == (model.RosterFilter{}) {
		var cached []model.Agent
		if r.cache.Get(rosterCacheKey, &cached) {
			return cached, nil
		}
	}

	agents, err := r.db.ListAgents(ctx, f)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list roster")
	}
	for i := range agents {
		cred, err := r.db.GetCredibility(ctx, agents[i].AgentID)
		if err != nil {
			r.logger.Warn("registry: roster credibility", "agent_id", agents[i].AgentID, "error", err)
			continue
		}
		if len(cred) > 0 {
			agents[i].Credibility = cred
		}
	}

	if f == (model.RosterFilter{}) {
		if err := r.cache.Set(rosterCacheKey, agents); err != nil {
			r.logger.Warn("registry: cache roster", "error", err)
		}
	}
	return agents, nil
}

// SweepLiveness demotes agents past the idle and offline thresholds. Run
// periodically at the heartbeat interval.
func (r *Registry) SweepLiveness(ctx context.Context) (int64, error) {
	changed, err := r.db.SweepAgentLiveness(ctx, r.cfg.IdleAfter, r.cfg.OfflineAfter)
	if err != nil {
		return 0, model.Wrap(model.KindStorageError, err, "sweep agent liveness")
	}
	if changed > 0 {
		r.invalidateRoster()
	}
	return changed, nil
}

func (r *Registry) invalidateRoster() {
	r.cache.Delete(rosterCacheKey)
}

// publishHeartbeat is bus-only: heartbeats are ephemeral liveness signals and
// never enter the replication journal.
func (r *Registry) publishHeartbeat(ctx context.Context, agentID string) {
	payload, err := json.Marshal(map[string]string{
		"agent_id":   agentID,
		"machine_id": r.cfg.MachineID,
	})
	if err != nil {
		return
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventAgentHeartbeat,
		OriginMachineID: r.cfg.MachineID,
		Payload:         payload,
		WallClock:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("registry: publish heartbeat", "agent_id", agentID, "error", err)
	}
}

func mapStorageErr(err error, op string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.Wrap(model.KindNotFound, err, "%s", op)
	}
	return model.Wrap(model.KindStorageError, err, "%s", op)
}
