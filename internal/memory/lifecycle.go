package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

// Delete soft-deletes a memory. The record stays recoverable until the TTL
// lapses; the vector copy drops out of search immediately.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID, actor, reason string) error {
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return mapStorageErr(err, "delete memory")
	}
	if !m.Live() {
		return model.E(model.KindNotFound, "memory %s is already deleted", id)
	}

	vc := m.VectorClock.Tick(e.cfg.MachineID)
	expiresAt := time.Now().UTC().Add(e.cfg.SoftDeleteTTL)
	if err := e.db.SoftDeleteMemory(ctx, id, actor, reason, expiresAt, vc); err != nil {
		return mapStorageErr(err, "delete memory")
	}

	e.emit(ctx, model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventMemorySoftDelete,
		MemoryID:        id,
		OriginMachineID: e.cfg.MachineID,
		ClockSnapshot:   vc,
		Confidentiality: m.Confidentiality,
		WallClock:       time.Now().UTC(),
		DeleteExpiresAt: &expiresAt,
	})
	return nil
}

// HardDelete removes a memory permanently, leaving only a tombstone for the
// grace window. Requires explicit confirmation; soft delete is the default
// path clients should take.
func (e *Engine) HardDelete(ctx context.Context, id uuid.UUID, actor, reason string, confirm bool) error {
	if !confirm {
		return model.E(model.KindConfirmationRequired,
			"hard delete is irreversible, retry with confirm=true")
	}
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return mapStorageErr(err, "hard delete memory")
	}
	return e.hardDelete(ctx, m, storage.AuditEntry{
		Kind:      storage.AuditHardDelete,
		Actor:     actor,
		MachineID: e.cfg.MachineID,
		Detail:    map[string]any{"reason": reason},
	})
}

// hardDelete removes the row and emits a hard-delete event carrying the same
// clock the tombstone records, so peers apply deletion-wins consistently.
func (e *Engine) hardDelete(ctx context.Context, m model.Memory, audit storage.AuditEntry) error {
	expiry := time.Now().UTC().Add(e.cfg.TombstoneGrace)
	if err := e.db.HardDeleteMemory(ctx, m.ID, expiry, audit); err != nil {
		return mapStorageErr(err, "hard delete memory")
	}
	e.emit(ctx, model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventMemoryHardDelete,
		MemoryID:        m.ID,
		OriginMachineID: e.cfg.MachineID,
		ClockSnapshot:   m.VectorClock.Clone(),
		Confidentiality: m.Confidentiality,
		WallClock:       time.Now().UTC(),
	})
	return nil
}

// BulkDeleteResult reports what a bulk delete matched and did.
type BulkDeleteResult struct {
	Matched int `json:"matched"`
	Deleted int `json:"deleted"`
}

// bulkDeleteCap bounds one bulk operation; callers repeat for larger sets.
const bulkDeleteCap = 1000

// BulkDelete soft-deletes every live memory matching the filters. Without
// confirm it only reports the match count, so clients always see the blast
// radius before committing.
func (e *Engine) BulkDelete(ctx context.Context, f model.SearchFilters, actor, reason string, confirm bool) (BulkDeleteResult, error) {
	matches, err := e.db.ListRecent(ctx, f, bulkDeleteCap, 0)
	if err != nil {
		return BulkDeleteResult{}, mapStorageErr(err, "bulk delete preview")
	}
	res := BulkDeleteResult{Matched: len(matches)}
	if !confirm {
		return res, model.E(model.KindConfirmationRequired,
			"bulk delete would remove %d memories, retry with confirm=true", len(matches))
	}

	for _, m := range matches {
		if err := e.Delete(ctx, m.ID, actor, reason); err != nil {
			if model.IsKind(err, model.KindNotFound) {
				continue // deleted concurrently
			}
			return res, err
		}
		res.Deleted++
	}

	if err := e.db.InsertAudit(ctx, storage.AuditEntry{
		Kind:      storage.AuditBulkDelete,
		Actor:     actor,
		MachineID: e.cfg.MachineID,
		Detail:    map[string]any{"reason": reason, "matched": res.Matched, "deleted": res.Deleted},
	}); err != nil {
		e.logger.Error("memory: bulk delete audit failed", "error", err)
	}
	return res, nil
}

// Recover returns a soft-deleted memory to the live state. Fails with
// DeletionExpired once the recovery window has lapsed.
func (e *Engine) Recover(ctx context.Context, id uuid.UUID, actor string) (model.Memory, error) {
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "recover memory")
	}
	if m.Live() {
		return m, nil
	}
	now := time.Now().UTC()
	if !m.Recoverable(now) {
		return model.Memory{}, model.E(model.KindDeletionExpired,
			"memory %s passed its recovery window", id)
	}

	vc := m.VectorClock.Tick(e.cfg.MachineID)
	recovered, err := e.db.RecoverMemory(ctx, id, vc)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "recover memory")
	}
	e.emitUpsert(ctx, recovered)
	return recovered, nil
}

// ListDeleted returns soft-deleted memories still inside their recovery
// window, newest deletion first.
func (e *Engine) ListDeleted(ctx context.Context, limit int) ([]model.Memory, error) {
	out, err := e.db.ListSoftDeleted(ctx, limit)
	if err != nil {
		return nil, mapStorageErr(err, "list deleted")
	}
	return out, nil
}

// CleanupExpired hard-deletes soft-deleted memories whose TTL lapsed. Run on
// the sweep schedule; returns the number purged.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	const batch = 100
	total := 0
	for {
		ids, err := e.db.ExpiredSoftDeletes(ctx, time.Now().UTC(), batch)
		if err != nil {
			return total, mapStorageErr(err, "cleanup expired")
		}
		if len(ids) == 0 {
			return total, nil
		}
		for _, id := range ids {
			m, err := e.db.GetMemory(ctx, id)
			if err != nil {
				continue // raced with another deleter
			}
			err = e.hardDelete(ctx, m, storage.AuditEntry{
				Kind:      storage.AuditHardDelete,
				Actor:     "system",
				MachineID: e.cfg.MachineID,
				Detail:    map[string]any{"reason": "soft_delete_ttl"},
			})
			if err != nil {
				return total, err
			}
			total++
		}
		if len(ids) < batch {
			return total, nil
		}
	}
}
