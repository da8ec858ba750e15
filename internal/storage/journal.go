package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/model"
)

// JournalEntry is one sequenced sync event in the outbound journal.
type JournalEntry struct {
	Seq   int64           `json:"seq"`
	Event model.SyncEvent `json:"event"`
}

// AppendSyncEvent records an outbound sync event and returns its sequence
// number. Peers pull by sequence; the journal is this node's replication log.
func (db *DB) AppendSyncEvent(ctx context.Context, ev model.SyncEvent) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal sync event: %w", err)
	}
	var memoryID *uuid.UUID
	if ev.MemoryID != uuid.Nil {
		memoryID = &ev.MemoryID
	}

	var seq int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO sync_journal (kind, memory_id, confidentiality, event)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING seq`,
		ev.Kind, memoryID, ev.Confidentiality, data,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: append sync event: %w", err)
	}
	return seq, nil
}

// EventsSince returns journal entries with seq greater than afterSeq, oldest
// first. Confidential and pii events are excluded at the query level; the
// caller additionally filters internal events per peer class.
func (db *DB) EventsSince(ctx context.Context, afterSeq int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT seq, event FROM sync_journal
		 WHERE seq > $1 AND confidentiality NOT IN ('confidential', 'pii')
		 ORDER BY seq ASC LIMIT $2`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events since: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var data []byte
		if err := rows.Scan(&e.Seq, &data); err != nil {
			return nil, fmt.Errorf("storage: scan journal entry: %w", err)
		}
		if err := json.Unmarshal(data, &e.Event); err != nil {
			return nil, fmt.Errorf("storage: decode journal event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest sequence number in the journal, zero when
// empty.
func (db *DB) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(max(seq), 0) FROM sync_journal`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: latest seq: %w", err)
	}
	return seq, nil
}

// TrimJournal drops journal entries every peer has acknowledged and that are
// older than the retention cutoff. With no peers configured the ack floor is
// unbounded and retention alone governs, so single-node installs still trim.
func (db *DB) TrimJournal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM sync_journal
		WHERE seq <= (SELECT COALESCE(min(acked_seq), 9223372036854775807) FROM peer_acks)
		  AND created_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: trim journal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetPeerAck records how far a peer has acknowledged this node's journal.
// Acks only move forward.
func (db *DB) SetPeerAck(ctx context.Context, machineID string, seq int64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO peer_acks (machine_id, acked_seq)
		 VALUES ($1, $2)
		 ON CONFLICT (machine_id) DO UPDATE SET
		     acked_seq = GREATEST(peer_acks.acked_seq, EXCLUDED.acked_seq),
		     updated_at = now()`,
		machineID, seq,
	)
	if err != nil {
		return fmt.Errorf("storage: set peer ack: %w", err)
	}
	return nil
}

// PeerCheckpoints returns this node's pull progress against every known peer.
func (db *DB) PeerCheckpoints(ctx context.Context) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx, `SELECT machine_id, last_seq FROM peer_checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("storage: peer checkpoints: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var machine string
		var seq int64
		if err := rows.Scan(&machine, &seq); err != nil {
			return nil, fmt.Errorf("storage: scan peer checkpoint: %w", err)
		}
		out[machine] = seq
	}
	return out, rows.Err()
}

// GetPeerCheckpoint returns how far this node has pulled from a peer, zero
// when the peer has never been seen.
func (db *DB) GetPeerCheckpoint(ctx context.Context, machineID string) (int64, error) {
	var seq int64
	err := db.pool.QueryRow(ctx,
		`SELECT last_seq FROM peer_checkpoints WHERE machine_id = $1`, machineID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: get peer checkpoint: %w", err)
	}
	return seq, nil
}

// SetPeerCheckpoint records progress against a peer's journal. Checkpoints
// only move forward.
func (db *DB) SetPeerCheckpoint(ctx context.Context, machineID string, seq int64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO peer_checkpoints (machine_id, last_seq)
		 VALUES ($1, $2)
		 ON CONFLICT (machine_id) DO UPDATE SET
		     last_seq = GREATEST(peer_checkpoints.last_seq, EXCLUDED.last_seq),
		     updated_at = now()`,
		machineID, seq,
	)
	if err != nil {
		return fmt.Errorf("storage: set peer checkpoint: %w", err)
	}
	return nil
}

// Tombstone marks a hard-deleted memory. Late updates arriving during the
// grace window are recognized and dropped instead of resurrecting the row.
type Tombstone struct {
	MemoryID    uuid.UUID         `json:"memory_id"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	DeletedAt   time.Time         `json:"deleted_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// GetTombstone looks up a tombstone by memory id.
func (db *DB) GetTombstone(ctx context.Context, memoryID uuid.UUID) (Tombstone, error) {
	var t Tombstone
	err := db.pool.QueryRow(ctx,
		`SELECT memory_id, vector_clock, deleted_at, expires_at
		 FROM tombstones WHERE memory_id = $1`, memoryID,
	).Scan(&t.MemoryID, &t.VectorClock, &t.DeletedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tombstone{}, fmt.Errorf("storage: tombstone %s: %w", memoryID, ErrNotFound)
		}
		return Tombstone{}, fmt.Errorf("storage: get tombstone: %w", err)
	}
	return t, nil
}

// InsertTombstone writes a tombstone for a memory deleted remotely.
func (db *DB) InsertTombstone(ctx context.Context, t Tombstone) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tombstones (memory_id, vector_clock, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (memory_id) DO UPDATE SET
		     vector_clock = EXCLUDED.vector_clock,
		     expires_at = EXCLUDED.expires_at`,
		t.MemoryID, t.VectorClock, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert tombstone: %w", err)
	}
	return nil
}

// PurgeTombstones drops tombstones past their grace window.
func (db *DB) PurgeTombstones(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tombstones WHERE expires_at <= $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge tombstones: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkEventProcessed records an event's idempotency key and reports whether
// this call was the first to see it. Delivery is at-least-once; a false
// result means the event was already applied and must be skipped.
func (db *DB) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO processed_events (idempotency_key) VALUES ($1)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark event processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnmarkEventProcessed releases an idempotency key whose apply failed, so a
// redelivery of the event is not mistaken for a duplicate.
func (db *DB) UnmarkEventProcessed(ctx context.Context, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE idempotency_key = $1`, key,
	); err != nil {
		return fmt.Errorf("storage: unmark event processed: %w", err)
	}
	return nil
}

// PurgeProcessedEvents drops idempotency records older than the cutoff.
func (db *DB) PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE seen_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
