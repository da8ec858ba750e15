package memory

import (
	"context"

	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

// GDPRDelete hard-deletes every memory attributed to a user, regardless of
// deletion state. Each removal gets its own tombstone, audit entry, and
// hard-delete event so peers purge their replicas too.
func (e *Engine) GDPRDelete(ctx context.Context, userID, actor string, confirm bool) (int, error) {
	if userID == "" {
		return 0, model.E(model.KindInvalidArgument, "user_id is required")
	}
	ids, err := e.db.IDsByUser(ctx, userID)
	if err != nil {
		return 0, mapStorageErr(err, "gdpr delete")
	}
	if !confirm {
		return 0, model.E(model.KindConfirmationRequired,
			"gdpr delete would permanently remove %d memories for user %s, retry with confirm=true",
			len(ids), userID)
	}

	deleted := 0
	for _, id := range ids {
		m, err := e.db.GetMemory(ctx, id)
		if err != nil {
			continue // raced with another deleter
		}
		err = e.hardDelete(ctx, m, storage.AuditEntry{
			Kind:      storage.AuditGDPRDelete,
			Actor:     actor,
			MachineID: e.cfg.MachineID,
			Detail:    map[string]any{"user_id": userID},
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	e.logger.Info("memory: gdpr delete complete", "user_id", userID, "deleted", deleted)
	return deleted, nil
}

// GDPRExport returns every memory attributed to a user, including
// soft-deleted records, and audits the export.
func (e *Engine) GDPRExport(ctx context.Context, userID, actor string) ([]model.Memory, error) {
	if userID == "" {
		return nil, model.E(model.KindInvalidArgument, "user_id is required")
	}
	memories, err := e.db.ListByUser(ctx, userID)
	if err != nil {
		return nil, mapStorageErr(err, "gdpr export")
	}
	if err := e.db.InsertAudit(ctx, storage.AuditEntry{
		Kind:      storage.AuditGDPRExport,
		Actor:     actor,
		MachineID: e.cfg.MachineID,
		Detail:    map[string]any{"user_id": userID, "count": len(memories)},
	}); err != nil {
		e.logger.Error("memory: gdpr export audit failed", "user_id", userID, "error", err)
	}
	return memories, nil
}
