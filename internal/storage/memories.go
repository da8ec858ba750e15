package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/model"
)

const memoryColumns = `id, content, content_hash, category, tags, context, project_id,
	user_id, machine_id, source_agent_id, vector_clock, confidentiality,
	format_version, deletion_state, deleted_at, deleted_by, delete_reason,
	delete_expires_at, created_at, updated_at`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(
		&m.ID, &m.Content, &m.ContentHash, &m.Category, &m.Tags, &m.Context,
		&m.ProjectID, &m.UserID, &m.MachineID, &m.SourceAgentID, &m.VectorClock,
		&m.Confidentiality, &m.Format, &m.DeletionState, &m.DeletedAt,
		&m.DeletedBy, &m.DeleteReason, &m.DeleteExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func collectMemories(rows pgx.Rows) ([]model.Memory, error) {
	defer rows.Close()
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMemory inserts a new memory row and enqueues a vector upsert in the
// same transaction.
func (db *DB) InsertMemory(ctx context.Context, m model.Memory) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert memory tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		m.ID, m.Content, m.ContentHash, m.Category, m.Tags, m.Context,
		m.ProjectID, m.UserID, m.MachineID, m.SourceAgentID, m.VectorClock,
		m.Confidentiality, m.Format, m.DeletionState, m.DeletedAt,
		m.DeletedBy, m.DeleteReason, m.DeleteExpiresAt, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert memory: %w", err)
	}

	if err := enqueueVectorOpTx(ctx, tx, m.ID, m.Category, "upsert"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert memory tx: %w", err)
	}
	return nil
}

// UpsertMemoryReplica writes a memory received from a peer. Unlike
// InsertMemory it overwrites every column on conflict; the caller has already
// decided the incoming copy wins.
func (db *DB) UpsertMemoryReplica(ctx context.Context, m model.Memory) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert replica tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (id) DO UPDATE SET
		     content = EXCLUDED.content,
		     content_hash = EXCLUDED.content_hash,
		     category = EXCLUDED.category,
		     tags = EXCLUDED.tags,
		     context = EXCLUDED.context,
		     project_id = EXCLUDED.project_id,
		     user_id = EXCLUDED.user_id,
		     machine_id = EXCLUDED.machine_id,
		     source_agent_id = EXCLUDED.source_agent_id,
		     vector_clock = EXCLUDED.vector_clock,
		     confidentiality = EXCLUDED.confidentiality,
		     format_version = EXCLUDED.format_version,
		     deletion_state = EXCLUDED.deletion_state,
		     deleted_at = EXCLUDED.deleted_at,
		     deleted_by = EXCLUDED.deleted_by,
		     delete_reason = EXCLUDED.delete_reason,
		     delete_expires_at = EXCLUDED.delete_expires_at,
		     updated_at = EXCLUDED.updated_at`,
		m.ID, m.Content, m.ContentHash, m.Category, m.Tags, m.Context,
		m.ProjectID, m.UserID, m.MachineID, m.SourceAgentID, m.VectorClock,
		m.Confidentiality, m.Format, m.DeletionState, m.DeletedAt,
		m.DeletedBy, m.DeleteReason, m.DeleteExpiresAt, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert replica: %w", err)
	}

	op := "upsert"
	if m.DeletionState != model.DeletionLive {
		op = "delete"
	}
	if err := enqueueVectorOpTx(ctx, tx, m.ID, m.Category, op); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert replica tx: %w", err)
	}
	return nil
}

// GetMemory fetches a memory by id regardless of deletion state.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	m, err := scanMemory(db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetLiveByHash returns live memories sharing the exact content hash within a
// category. Used by store-time duplicate detection.
func (db *DB) GetLiveByHash(ctx context.Context, hash string, category model.Category) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE content_hash = $1 AND category = $2 AND deletion_state = 'live'`,
		hash, category,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get by hash: %w", err)
	}
	return collectMemories(rows)
}

// UpdateMemory overwrites the mutable columns of a live memory and enqueues a
// vector upsert. When the category changed, the vector copy in the previous
// collection is deleted first so the id never appears in two collections.
func (db *DB) UpdateMemory(ctx context.Context, m model.Memory, previousCategory model.Category) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update memory tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE memories SET
		     content = $2, content_hash = $3, category = $4, tags = $5,
		     context = $6, vector_clock = $7, confidentiality = $8,
		     format_version = $9, updated_at = $10
		 WHERE id = $1 AND deletion_state = 'live'`,
		m.ID, m.Content, m.ContentHash, m.Category, m.Tags,
		m.Context, m.VectorClock, m.Confidentiality, m.Format, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", m.ID, ErrNotFound)
	}

	if previousCategory != "" && previousCategory != m.Category {
		if err := enqueueVectorOpTx(ctx, tx, m.ID, previousCategory, "delete"); err != nil {
			return err
		}
	}
	if err := enqueueVectorOpTx(ctx, tx, m.ID, m.Category, "upsert"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update memory tx: %w", err)
	}
	return nil
}

// SoftDeleteMemory moves a live memory into the soft_deleted state and
// enqueues a vector delete so it drops out of search immediately.
func (db *DB) SoftDeleteMemory(ctx context.Context, id uuid.UUID, by, reason string, expiresAt time.Time, vc clock.VectorClock) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin soft delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var category model.Category
	err = tx.QueryRow(ctx,
		`UPDATE memories SET
		     deletion_state = 'soft_deleted', deleted_at = now(), deleted_by = $2,
		     delete_reason = $3, delete_expires_at = $4, vector_clock = $5,
		     updated_at = now()
		 WHERE id = $1 AND deletion_state = 'live'
		 RETURNING category`,
		id, by, reason, expiresAt, vc,
	).Scan(&category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: soft delete memory: %w", err)
	}

	if err := enqueueVectorOpTx(ctx, tx, id, category, "delete"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit soft delete tx: %w", err)
	}
	return nil
}

// RecoverMemory returns a soft-deleted memory to the live state, provided its
// recovery window has not lapsed. The vector copy is re-enqueued.
func (db *DB) RecoverMemory(ctx context.Context, id uuid.UUID, vc clock.VectorClock) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMemory(tx.QueryRow(ctx,
		`UPDATE memories SET
		     deletion_state = 'live', deleted_at = NULL, deleted_by = '',
		     delete_reason = '', delete_expires_at = NULL, vector_clock = $2,
		     updated_at = now()
		 WHERE id = $1 AND deletion_state = 'soft_deleted' AND delete_expires_at > now()
		 RETURNING `+memoryColumns,
		id, vc,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.Memory{}, fmt.Errorf("storage: recover memory: %w", err)
	}

	if err := enqueueVectorOpTx(ctx, tx, id, m.Category, "upsert"); err != nil {
		return model.Memory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit recover tx: %w", err)
	}
	return m, nil
}

// HardDeleteMemory removes the row, writes a tombstone, enqueues a vector
// delete, and appends an audit entry, all in one transaction.
func (db *DB) HardDeleteMemory(ctx context.Context, id uuid.UUID, tombstoneExpiry time.Time, audit AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin hard delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var category model.Category
	var vc clock.VectorClock
	err = tx.QueryRow(ctx,
		`DELETE FROM memories WHERE id = $1 RETURNING category, vector_clock`, id,
	).Scan(&category, &vc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: hard delete memory: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO tombstones (memory_id, vector_clock, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (memory_id) DO UPDATE SET
		     vector_clock = EXCLUDED.vector_clock,
		     deleted_at = now(),
		     expires_at = EXCLUDED.expires_at`,
		id, vc, tombstoneExpiry,
	); err != nil {
		return fmt.Errorf("storage: write tombstone: %w", err)
	}

	if err := enqueueVectorOpTx(ctx, tx, id, category, "delete"); err != nil {
		return err
	}

	audit.MemoryID = &id
	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in hard delete tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit hard delete tx: %w", err)
	}
	return nil
}

// ListRecent returns live memories newest-first, narrowed by filters.
func (db *DB) ListRecent(ctx context.Context, f model.SearchFilters, limit, offset int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE true`
	args := []any{}
	q, args = appendMemoryFilters(q, args, f)
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent: %w", err)
	}
	return collectMemories(rows)
}

// appendMemoryFilters extends q with WHERE clauses for the populated filter
// fields, returning the extended query and argument list.
func appendMemoryFilters(q string, args []any, f model.SearchFilters) (string, []any) {
	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+clause, len(args))
	}
	if !f.IncludeDeleted {
		q += " AND deletion_state = 'live'"
	}
	if f.Category != nil {
		add("category = $%d", *f.Category)
	}
	if f.ProjectID != nil {
		add("project_id = $%d", *f.ProjectID)
	}
	if f.MachineID != nil {
		add("machine_id = $%d", *f.MachineID)
	}
	if f.AgentID != nil {
		add("source_agent_id = $%d", *f.AgentID)
	}
	if len(f.Tags) > 0 {
		add("tags && $%d", f.Tags)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if f.ExcludeConfidential {
		q += " AND confidentiality NOT IN ('confidential', 'pii')"
	}
	return q, args
}

// LexicalSearch ranks live memories against a websearch-syntax query using
// Postgres full-text ts_rank. Scores are normalized to rank/(rank+1) so they
// land in [0,1) and can be mixed with cosine scores.
func (db *DB) LexicalSearch(ctx context.Context, query string, f model.SearchFilters, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT id, category, format_version,
	             ts_rank(content_tsv, websearch_to_tsquery('english', $1)) AS rank,
	             left(content, 240)
	      FROM memories
	      WHERE content_tsv @@ websearch_to_tsquery('english', $1)`
	args := []any{query}
	q, args = appendMemoryFilters(q, args, f)
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: lexical search: %w", err)
	}
	defer rows.Close()

	var hits []model.SearchHit
	for rows.Next() {
		var h model.SearchHit
		var rank float64
		if err := rows.Scan(&h.ID, &h.Category, &h.Format, &rank, &h.Snippet); err != nil {
			return nil, fmt.Errorf("storage: scan lexical hit: %w", err)
		}
		h.Score = rank / (rank + 1)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FetchByIDs returns the memories with the given ids, skipping ids that do
// not exist. Used to hydrate vector search hits.
func (db *DB) FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Memory, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.Memory{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch by ids: %w", err)
	}
	ms, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]model.Memory, len(ms))
	for _, m := range ms {
		out[m.ID] = m
	}
	return out, nil
}

// DuplicateHashRows returns live memories in a category whose content hash
// appears more than once, ordered by hash then creation time so callers can
// group adjacent rows.
func (db *DB) DuplicateHashRows(ctx context.Context, category model.Category) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE deletion_state = 'live' AND category = $1 AND content_hash IN (
		     SELECT content_hash FROM memories
		     WHERE deletion_state = 'live' AND category = $1
		     GROUP BY content_hash HAVING count(*) > 1
		 )
		 ORDER BY content_hash, created_at ASC`, category,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: duplicate hash rows: %w", err)
	}
	return collectMemories(rows)
}

// ListSoftDeleted returns soft-deleted memories newest-deleted first.
func (db *DB) ListSoftDeleted(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE deletion_state = 'soft_deleted'
		 ORDER BY deleted_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list soft deleted: %w", err)
	}
	return collectMemories(rows)
}

// ExpiredSoftDeletes returns ids of soft-deleted memories whose recovery
// window has lapsed, up to limit. The purge sweeper hard-deletes them.
func (db *DB) ExpiredSoftDeletes(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM memories
		 WHERE deletion_state = 'soft_deleted' AND delete_expires_at <= $1
		 ORDER BY delete_expires_at ASC LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expired soft deletes: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByUser returns every memory (any deletion state) attributed to a user.
// Used for data subject export.
func (db *DB) ListByUser(ctx context.Context, userID string) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list by user: %w", err)
	}
	return collectMemories(rows)
}

// IDsByUser returns the ids of a user's memories. The engine hard-deletes
// them one by one so each gets its tombstone and audit entry.
func (db *DB) IDsByUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM memories WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: ids by user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan user memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemoryStats aggregates memory counts for the stats tool.
type MemoryStats struct {
	Total       int                  `json:"total"`
	Live        int                  `json:"live"`
	SoftDeleted int                  `json:"soft_deleted"`
	ByCategory  map[model.Category]int `json:"by_category"`
	FormatV1    int                  `json:"format_v1"`
	FormatV2    int                  `json:"format_v2"`
}

// GetMemoryStats returns aggregate counts across all memories.
func (db *DB) GetMemoryStats(ctx context.Context) (MemoryStats, error) {
	var s MemoryStats
	err := db.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE deletion_state = 'live'),
		       count(*) FILTER (WHERE deletion_state = 'soft_deleted'),
		       count(*) FILTER (WHERE format_version = 'v1' AND deletion_state = 'live'),
		       count(*) FILTER (WHERE format_version = 'v2' AND deletion_state = 'live')
		FROM memories`,
	).Scan(&s.Total, &s.Live, &s.SoftDeleted, &s.FormatV1, &s.FormatV2)
	if err != nil {
		return s, fmt.Errorf("storage: memory stats: %w", err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT category, count(*)
		FROM memories
		WHERE deletion_state = 'live'
		GROUP BY category
		ORDER BY count(*) DESC`,
	)
	if err != nil {
		return s, fmt.Errorf("storage: memory stats by category: %w", err)
	}
	defer rows.Close()

	s.ByCategory = make(map[model.Category]int)
	for rows.Next() {
		var c model.Category
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return s, fmt.Errorf("storage: scan category stat: %w", err)
		}
		s.ByCategory[c] = n
	}
	return s, rows.Err()
}

// BackfillCandidates returns live memory ids with no pending vector upsert.
// The startup backfill checks these against the vector index and re-enqueues
// any that are missing, repairing gaps left while the provider was down.
func (db *DB) BackfillCandidates(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN vector_outbox o ON o.memory_id = m.id AND o.operation = 'upsert'
		WHERE m.deletion_state = 'live' AND o.id IS NULL AND m.updated_at < now() - interval '5 minutes'
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: missing embeddings: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan missing embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
