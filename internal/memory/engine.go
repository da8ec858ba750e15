// Package memory implements the Memory Engine: the owner of every memory's
// lifecycle. All writes go through here so that hashing, dedup, vector-clock
// ticks, audit, and sync-event emission stay consistent regardless of which
// transport initiated the mutation.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/embedding"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
)

// Scorer computes a confidence score for a memory. Implemented by the
// confidence engine; the dependency points this way so search can apply
// min_confidence filters without a package cycle.
type Scorer interface {
	Score(ctx context.Context, m model.Memory) (float64, error)
}

// Config is the slice of application configuration the engine needs.
type Config struct {
	MachineID       string
	MaxContentBytes int
	DedupEnforced   bool
	DedupThreshold  float64
	HybridAlpha     float64
	SoftDeleteTTL   time.Duration
	TombstoneGrace  time.Duration
	PIIAuditEnabled bool
	// PIIAllowedMachines confines pii-level memories to designated nodes.
	// Empty means any node may hold pii.
	PIIAllowedMachines []string
}

// Engine owns memory records. Postgres is the source of truth; the vector
// index converges through the outbox, and peers converge through the sync
// journal plus bus events.
type Engine struct {
	db       *storage.DB
	index    search.Index
	provider embedding.Provider
	bus      bus.Bus
	scorer   Scorer
	cfg      Config
	logger   *slog.Logger
}

// New creates a memory engine. The scorer is optional and may be attached
// later with SetScorer once the confidence engine exists.
func New(db *storage.DB, index search.Index, provider embedding.Provider, b bus.Bus, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 1 << 20
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.90
	}
	if cfg.HybridAlpha <= 0 {
		cfg.HybridAlpha = search.DefaultHybridAlpha
	}
	if cfg.SoftDeleteTTL <= 0 {
		cfg.SoftDeleteTTL = 30 * 24 * time.Hour
	}
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = 7 * 24 * time.Hour
	}
	return &Engine{db: db, index: index, provider: provider, bus: b, cfg: cfg, logger: logger}
}

// SetScorer attaches the confidence scorer used by min_confidence filters.
func (e *Engine) SetScorer(s Scorer) { e.scorer = s }

// StoreRequest carries the fields a client may set when creating a memory.
type StoreRequest struct {
	Content         string
	Category        string
	Tags            []string
	Context         string
	ProjectID       string
	UserID          string
	AgentID         string
	Confidentiality model.ConfidentialityLevel
	Format          model.FormatVersion
}

// Store creates a memory. Content is normalized and hashed; an exact-hash
// duplicate in the same category is rejected when dedup enforcement is on.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (model.Memory, error) {
	content := model.NormalizeContent(req.Content)
	if content == "" {
		return model.Memory{}, model.E(model.KindInvalidArgument, "content must not be empty")
	}
	if len(content) > e.cfg.MaxContentBytes {
		return model.Memory{}, model.E(model.KindContentTooLarge,
			"content is %d bytes, limit is %d", len(content), e.cfg.MaxContentBytes)
	}

	level := req.Confidentiality
	if level == "" {
		level = model.ConfidentialityNormal
	}
	if !level.Valid() {
		return model.Memory{}, model.E(model.KindInvalidArgument, "unknown confidentiality level %q", req.Confidentiality)
	}
	if level == model.ConfidentialityPII && !e.piiAllowedHere() {
		return model.Memory{}, model.E(model.KindForbidden,
			"machine %s is not designated for pii memories", e.cfg.MachineID)
	}

	format := req.Format
	if format == "" {
		format = model.FormatV1
	}

	category := model.NormalizeCategory(req.Category)
	hash := model.HashContent(content)

	existing, err := e.db.GetLiveByHash(ctx, hash, category)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "check duplicates")
	}
	if len(existing) > 0 {
		if e.cfg.DedupEnforced {
			return model.Memory{}, model.E(model.KindDuplicateDetected,
				"identical content already stored as %s", existing[0].ID)
		}
		e.logger.Debug("memory: storing exact duplicate, enforcement off",
			"existing_id", existing[0].ID, "category", category)
	}

	now := time.Now().UTC()
	m := model.Memory{
		ID:              uuid.New(),
		Content:         content,
		ContentHash:     hash,
		Category:        category,
		Tags:            req.Tags,
		Context:         req.Context,
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		MachineID:       e.cfg.MachineID,
		SourceAgentID:   req.AgentID,
		CreatedAt:       now,
		UpdatedAt:       now,
		VectorClock:     clock.New().Tick(e.cfg.MachineID),
		Confidentiality: level,
		Format:          format,
		DeletionState:   model.DeletionLive,
	}

	if err := e.db.InsertMemory(ctx, m); err != nil {
		return model.Memory{}, mapStorageErr(err, "store memory")
	}
	e.emitUpsert(ctx, m)
	return m, nil
}

// Retrieve loads a memory by id. Reads of pii memories are audited when pii
// auditing is enabled.
func (e *Engine) Retrieve(ctx context.Context, id uuid.UUID, actor string) (model.Memory, error) {
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "retrieve memory")
	}
	if m.Confidentiality == model.ConfidentialityPII && e.cfg.PIIAuditEnabled {
		if err := e.db.InsertAudit(ctx, storage.AuditEntry{
			Kind:      storage.AuditPIIRead,
			Actor:     actor,
			MachineID: e.cfg.MachineID,
			MemoryID:  &id,
		}); err != nil {
			// Reads must not fail because auditing did, but never silently.
			e.logger.Error("memory: pii read audit failed", "memory_id", id, "error", err)
		}
	}
	return m, nil
}

// Update applies a partial update to a live memory. A category change moves
// the vector copy to the new collection.
func (e *Engine) Update(ctx context.Context, id uuid.UUID, patch model.MemoryPatch, actor string) (model.Memory, error) {
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "update memory")
	}
	if !m.Live() {
		return model.Memory{}, model.E(model.KindNotFound, "memory %s is deleted", id)
	}

	previousCategory := m.Category
	if patch.Content != nil {
		content := model.NormalizeContent(*patch.Content)
		if content == "" {
			return model.Memory{}, model.E(model.KindInvalidArgument, "content must not be empty")
		}
		if len(content) > e.cfg.MaxContentBytes {
			return model.Memory{}, model.E(model.KindContentTooLarge,
				"content is %d bytes, limit is %d", len(content), e.cfg.MaxContentBytes)
		}
		m.Content = content
		m.ContentHash = model.HashContent(content)
	}
	if patch.Tags != nil {
		m.Tags = *patch.Tags
	}
	if patch.Context != nil {
		m.Context = *patch.Context
	}
	if patch.Category != nil {
		m.Category = model.NormalizeCategory(string(*patch.Category))
	}

	m.VectorClock = m.VectorClock.Tick(e.cfg.MachineID)
	m.UpdatedAt = time.Now().UTC()

	if err := e.db.UpdateMemory(ctx, m, previousCategory); err != nil {
		return model.Memory{}, mapStorageErr(err, "update memory")
	}
	e.emitUpsert(ctx, m)
	return m, nil
}

// UpdateConfidentiality raises a memory's confidentiality level. The lattice
// is a one-way ratchet: lowering is rejected so that content already treated
// as sensitive can never quietly widen its audience.
func (e *Engine) UpdateConfidentiality(ctx context.Context, id uuid.UUID, level model.ConfidentialityLevel, actor string) (model.Memory, error) {
	if !level.Valid() {
		return model.Memory{}, model.E(model.KindInvalidArgument, "unknown confidentiality level %q", level)
	}
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "update confidentiality")
	}
	if !m.Live() {
		return model.Memory{}, model.E(model.KindNotFound, "memory %s is deleted", id)
	}
	if m.Confidentiality == level {
		return m, nil
	}
	if level == model.ConfidentialityPII && !e.piiAllowedHere() {
		return model.Memory{}, model.E(model.KindForbidden,
			"machine %s is not designated for pii memories", e.cfg.MachineID)
	}
	if !level.AtLeast(m.Confidentiality) {
		// A malformed request, not a policy denial: the ratchet admits no
		// downward transition for any caller.
		return model.Memory{}, model.E(model.KindInvalidArgument,
			"confidentiality can only be raised, not lowered from %s to %s", m.Confidentiality, level)
	}

	from := m.Confidentiality
	m.Confidentiality = level
	m.VectorClock = m.VectorClock.Tick(e.cfg.MachineID)
	m.UpdatedAt = time.Now().UTC()

	if err := e.db.UpdateMemory(ctx, m, m.Category); err != nil {
		return model.Memory{}, mapStorageErr(err, "update confidentiality")
	}
	if err := e.db.InsertAudit(ctx, storage.AuditEntry{
		Kind:      storage.AuditConfidentialityChange,
		Actor:     actor,
		MachineID: e.cfg.MachineID,
		MemoryID:  &id,
		Detail:    map[string]any{"from": string(from), "to": string(level)},
	}); err != nil {
		e.logger.Error("memory: confidentiality change audit failed", "memory_id", id, "error", err)
	}
	e.emitUpsert(ctx, m)
	return m, nil
}

// Stats reports per-category and lifecycle counts.
func (e *Engine) Stats(ctx context.Context) (storage.MemoryStats, error) {
	stats, err := e.db.GetMemoryStats(ctx)
	if err != nil {
		return storage.MemoryStats{}, mapStorageErr(err, "memory stats")
	}
	return stats, nil
}

func (e *Engine) piiAllowedHere() bool {
	if len(e.cfg.PIIAllowedMachines) == 0 {
		return true
	}
	for _, machine := range e.cfg.PIIAllowedMachines {
		if machine == e.cfg.MachineID {
			return true
		}
	}
	return false
}

// emitUpsert journals and publishes one upsert event for a committed
// mutation. Emission failures are logged, never propagated: the local write
// already happened and peers will converge through the next pull.
func (e *Engine) emitUpsert(ctx context.Context, m model.Memory) {
	payload, err := json.Marshal(m)
	if err != nil {
		e.logger.Error("memory: marshal upsert event", "memory_id", m.ID, "error", err)
		return
	}
	e.emit(ctx, model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventMemoryUpsert,
		MemoryID:        m.ID,
		OriginMachineID: e.cfg.MachineID,
		Payload:         payload,
		ClockSnapshot:   m.VectorClock.Clone(),
		Confidentiality: m.Confidentiality,
		WallClock:       time.Now().UTC(),
	})
}

func (e *Engine) emit(ctx context.Context, ev model.SyncEvent) {
	if _, err := e.db.AppendSyncEvent(ctx, ev); err != nil {
		e.logger.Error("memory: append sync event", "memory_id", ev.MemoryID, "kind", ev.Kind, "error", err)
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("memory: publish sync event", "memory_id", ev.MemoryID, "kind", ev.Kind, "error", err)
	}
}

func mapStorageErr(err error, op string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.Wrap(model.KindNotFound, err, "%s", op)
	}
	return model.Wrap(model.KindStorageError, err, "%s", op)
}
