package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/model"
)

// VectorOp is one pending vector index operation.
type VectorOp struct {
	ID       int64
	MemoryID uuid.UUID
	Category model.Category
	Op       string // upsert | delete
	Attempts int
}

// maxVectorAttempts caps retries before an entry is treated as dead-lettered.
const maxVectorAttempts = 10

func enqueueVectorOpTx(ctx context.Context, tx pgx.Tx, memoryID uuid.UUID, category model.Category, op string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO vector_outbox (memory_id, category, operation)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (memory_id, operation) DO UPDATE SET
		     category = EXCLUDED.category, created_at = now(), attempts = 0,
		     locked_until = NULL, last_error = NULL`,
		memoryID, category, op,
	); err != nil {
		return fmt.Errorf("storage: enqueue vector %s: %w", op, err)
	}
	return nil
}

// EnqueueVectorOp queues a vector index operation outside of a surrounding
// transaction. Used by the embedding backfill.
func (db *DB) EnqueueVectorOp(ctx context.Context, memoryID uuid.UUID, category model.Category, op string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := enqueueVectorOpTx(ctx, tx, memoryID, category, op); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit enqueue tx: %w", err)
	}
	return nil
}

// ClaimVectorOps selects up to batchSize pending operations and locks them
// for lockSeconds. SKIP LOCKED keeps concurrent workers from colliding.
func (db *DB) ClaimVectorOps(ctx context.Context, batchSize, lockSeconds int) ([]VectorOp, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, memory_id, category, operation, attempts
		 FROM vector_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxVectorAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending vector ops: %w", err)
	}

	var ops []VectorOp
	for rows.Next() {
		var op VectorOp
		if err := rows.Scan(&op.ID, &op.MemoryID, &op.Category, &op.Op, &op.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan vector op: %w", err)
		}
		ops = append(ops, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: vector op rows: %w", err)
	}
	if len(ops) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE vector_outbox SET locked_until = now() + $1 * interval '1 second' WHERE id = ANY($2)`,
		lockSeconds, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock vector ops: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim tx: %w", err)
	}
	return ops, nil
}

// CompleteVectorOps removes successfully applied entries.
func (db *DB) CompleteVectorOps(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM vector_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: complete vector ops: %w", err)
	}
	return nil
}

// FailVectorOps bumps attempt counts and schedules the retry with exponential
// backoff, 2^attempts seconds capped at five minutes.
func (db *DB) FailVectorOps(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE vector_outbox SET
		     attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		return fmt.Errorf("storage: fail vector ops: %w", err)
	}
	return nil
}

// CleanupVectorDeadLetters drops entries that exhausted their retries more
// than seven days ago.
func (db *DB) CleanupVectorDeadLetters(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM vector_outbox
		 WHERE attempts >= $1 AND created_at < now() - interval '7 days'`,
		maxVectorAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup vector dead-letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// VectorOutboxDepth returns the number of retryable pending entries. Exported
// as an observable gauge.
func (db *DB) VectorOutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM vector_outbox WHERE attempts < $1`, maxVectorAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: vector outbox depth: %w", err)
	}
	return n, nil
}
