package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/model"
)

// InsertVerification appends a verification event for a memory.
func (db *DB) InsertVerification(ctx context.Context, v model.Verification) error {
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO verifications (memory_id, verifier_agent_id, kind, notes, system, verified_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.MemoryID, v.VerifierAgentID, v.Kind, v.Notes, v.System, v.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert verification: %w", err)
	}
	return nil
}

// ListVerifications returns a memory's verification history, newest first.
func (db *DB) ListVerifications(ctx context.Context, memoryID uuid.UUID) ([]model.Verification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT memory_id, verifier_agent_id, kind, notes, system, verified_at
		 FROM verifications WHERE memory_id = $1 ORDER BY verified_at DESC`,
		memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list verifications: %w", err)
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		var v model.Verification
		if err := rows.Scan(&v.MemoryID, &v.VerifierAgentID, &v.Kind, &v.Notes, &v.System, &v.VerifiedAt); err != nil {
			return nil, fmt.Errorf("storage: scan verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertVote records an agent's vote on a memory. Revoting overwrites the
// previous vote by the same agent.
func (db *DB) UpsertVote(ctx context.Context, v model.Vote) error {
	if v.VotedAt.IsZero() {
		v.VotedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO votes (memory_id, voter_agent_id, voter_machine_id, choice, confidence, reasoning, voted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (memory_id, voter_agent_id) DO UPDATE SET
		     voter_machine_id = EXCLUDED.voter_machine_id,
		     choice = EXCLUDED.choice,
		     confidence = EXCLUDED.confidence,
		     reasoning = EXCLUDED.reasoning,
		     voted_at = EXCLUDED.voted_at`,
		v.MemoryID, v.VoterAgentID, v.VoterMachineID, v.Choice, v.Confidence, v.Reasoning, v.VotedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert vote: %w", err)
	}
	return nil
}

// ListVotes returns all votes on a memory.
func (db *DB) ListVotes(ctx context.Context, memoryID uuid.UUID) ([]model.Vote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT memory_id, voter_agent_id, voter_machine_id, choice, confidence, reasoning, voted_at
		 FROM votes WHERE memory_id = $1 ORDER BY voted_at DESC`,
		memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list votes: %w", err)
	}
	defer rows.Close()

	var out []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.MemoryID, &v.VoterAgentID, &v.VoterMachineID, &v.Choice, &v.Confidence, &v.Reasoning, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("storage: scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertUsageOutcome appends a usage outcome for a memory.
func (db *DB) InsertUsageOutcome(ctx context.Context, u model.UsageOutcome) error {
	if u.TrackedAt.IsZero() {
		u.TrackedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_outcomes (memory_id, agent_id, action, outcome, details, tracked_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.MemoryID, u.AgentID, u.Action, u.Outcome, u.Details, u.TrackedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert usage outcome: %w", err)
	}
	return nil
}

// ListUsageOutcomes returns a memory's usage history, newest first.
func (db *DB) ListUsageOutcomes(ctx context.Context, memoryID uuid.UUID) ([]model.UsageOutcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT memory_id, agent_id, action, outcome, details, tracked_at
		 FROM usage_outcomes WHERE memory_id = $1 ORDER BY tracked_at DESC`,
		memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.UsageOutcome
	for rows.Next() {
		var u model.UsageOutcome
		if err := rows.Scan(&u.MemoryID, &u.AgentID, &u.Action, &u.Outcome, &u.Details, &u.TrackedAt); err != nil {
			return nil, fmt.Errorf("storage: scan usage outcome: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ConfidenceEvidence bundles every signal the scorer needs for one memory.
type ConfidenceEvidence struct {
	Verifications         []model.Verification
	Votes                 []model.Vote
	Usage                 []model.UsageOutcome
	OpenContradictions    int
	ContradictionSeverity float64 // summed severity of open contradictions
}

// LoadConfidenceEvidence fetches all confidence inputs for a memory.
func (db *DB) LoadConfidenceEvidence(ctx context.Context, memoryID uuid.UUID) (ConfidenceEvidence, error) {
	var ev ConfidenceEvidence
	var err error

	if ev.Verifications, err = db.ListVerifications(ctx, memoryID); err != nil {
		return ev, err
	}
	if ev.Votes, err = db.ListVotes(ctx, memoryID); err != nil {
		return ev, err
	}
	if ev.Usage, err = db.ListUsageOutcomes(ctx, memoryID); err != nil {
		return ev, err
	}

	err = db.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(severity), 0) FROM contradictions
		 WHERE (memory_a_id = $1 OR memory_b_id = $1) AND resolved_at IS NULL`,
		memoryID,
	).Scan(&ev.OpenContradictions, &ev.ContradictionSeverity)
	if err != nil {
		return ev, fmt.Errorf("storage: count open contradictions: %w", err)
	}
	return ev, nil
}

func scanContradiction(row pgx.Row) (model.Contradiction, error) {
	var c model.Contradiction
	var winner *uuid.UUID
	var strategy *model.ResolutionStrategy
	var resolvedAt *time.Time
	err := row.Scan(
		&c.ID, &c.MemoryAID, &c.MemoryBID, &c.Kind, &c.Severity, &c.DetectedAt,
		&winner, &strategy, &resolvedAt,
	)
	if err == nil && resolvedAt != nil && winner != nil && strategy != nil {
		c.Resolution = &model.Resolution{WinnerID: *winner, Strategy: *strategy, ResolvedAt: *resolvedAt}
	}
	return c, err
}

const contradictionColumns = `id, memory_a_id, memory_b_id, kind, severity,
	detected_at, resolution_winner, resolution_strategy, resolved_at`

// InsertContradiction records a detected conflict between two memories.
// Returns false when the pair is already known; detection stays idempotent
// across sweeps.
func (db *DB) InsertContradiction(ctx context.Context, c model.Contradiction) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO contradictions (id, memory_a_id, memory_b_id, kind, severity, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (memory_a_id, memory_b_id) DO NOTHING`,
		c.ID, c.MemoryAID, c.MemoryBID, c.Kind, c.Severity, c.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert contradiction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetContradiction fetches one contradiction by id.
func (db *DB) GetContradiction(ctx context.Context, id uuid.UUID) (model.Contradiction, error) {
	c, err := scanContradiction(db.pool.QueryRow(ctx,
		`SELECT `+contradictionColumns+` FROM contradictions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contradiction{}, fmt.Errorf("storage: contradiction %s: %w", id, ErrNotFound)
		}
		return model.Contradiction{}, fmt.Errorf("storage: get contradiction: %w", err)
	}
	return c, nil
}

// ListOpenContradictions returns unresolved contradictions, oldest first.
func (db *DB) ListOpenContradictions(ctx context.Context, limit int) ([]model.Contradiction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+contradictionColumns+` FROM contradictions
		 WHERE resolved_at IS NULL ORDER BY detected_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list open contradictions: %w", err)
	}
	defer rows.Close()

	var out []model.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveContradiction records the winner. Resolution is append-only: a
// contradiction already resolved stays resolved, and the call reports whether
// this invocation did the resolving.
func (db *DB) ResolveContradiction(ctx context.Context, id, winnerID uuid.UUID, strategy model.ResolutionStrategy) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE contradictions SET
		     resolution_winner = $2, resolution_strategy = $3, resolved_at = now()
		 WHERE id = $1 AND resolved_at IS NULL`,
		id, winnerID, strategy,
	)
	if err != nil {
		return false, fmt.Errorf("storage: resolve contradiction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
