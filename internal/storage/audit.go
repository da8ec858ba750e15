package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Audit entry kinds. The log records every access or mutation the collective
// must be able to account for afterwards.
const (
	AuditPIIRead               = "pii_read"
	AuditHardDelete            = "hard_delete"
	AuditBulkDelete            = "bulk_delete"
	AuditConfidentialityChange = "confidentiality_change"
	AuditContradictionResolved = "contradiction_resolved"
	AuditSyncConflict          = "sync_conflict"
	AuditGDPRDelete            = "gdpr_delete"
	AuditGDPRExport            = "gdpr_export"
)

// AuditEntry is one append-only audit event. The log is local to this node
// and never replicated.
type AuditEntry struct {
	Seq       int64          `json:"seq,omitempty"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor"`
	MachineID string         `json:"machine_id"`
	MemoryID  *uuid.UUID     `json:"memory_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// InsertAudit appends one audit entry.
func (db *DB) InsertAudit(ctx context.Context, e AuditEntry) error {
	detail, err := marshalAuditDetail(e)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (kind, actor, machine_id, memory_id, detail)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		e.Kind, e.Actor, e.MachineID, e.MemoryID, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, e AuditEntry) error {
	detail, err := marshalAuditDetail(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (kind, actor, machine_id, memory_id, detail)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		e.Kind, e.Actor, e.MachineID, e.MemoryID, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit in tx: %w", err)
	}
	return nil
}

func marshalAuditDetail(e AuditEntry) ([]byte, error) {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal audit detail: %w", err)
	}
	return detail, nil
}

// ListAudit returns audit entries newest-first, optionally narrowed by kind.
func (db *DB) ListAudit(ctx context.Context, kind string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT seq, kind, actor, machine_id, memory_id, detail, created_at FROM audit_log`
	args := []any{}
	if kind != "" {
		args = append(args, kind)
		q += " WHERE kind = $1"
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail []byte
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Actor, &e.MachineID, &e.MemoryID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("storage: decode audit detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
