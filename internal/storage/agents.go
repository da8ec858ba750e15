package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/model"
)

const agentColumns = `agent_id, machine_id, role, description, capabilities,
	status, last_heartbeat_at, registered_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.AgentID, &a.MachineID, &a.Role, &a.Description, &a.Capabilities,
		&a.Status, &a.LastHeartbeatAt, &a.RegisteredAt,
	)
	return a, err
}

// UpsertAgent registers an agent or refreshes an existing registration.
// Re-registering resets the status to active and the heartbeat to now.
func (db *DB) UpsertAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	now := time.Now().UTC()
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	a.LastHeartbeatAt = now
	a.Status = model.AgentActive
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (agent_id) DO UPDATE SET
		     machine_id = EXCLUDED.machine_id,
		     role = EXCLUDED.role,
		     description = EXCLUDED.description,
		     capabilities = EXCLUDED.capabilities,
		     status = EXCLUDED.status,
		     last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		a.AgentID, a.MachineID, a.Role, a.Description, a.Capabilities,
		a.Status, a.LastHeartbeatAt, a.RegisteredAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return a, nil
}

// GetAgent fetches one agent by id.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents matching the filter, most recently heard first.
func (db *DB) ListAgents(ctx context.Context, f model.RosterFilter) ([]model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE true`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.Role != "" {
		add("role = $%d", f.Role)
	}
	if f.MachineID != "" {
		add("machine_id = $%d", f.MachineID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Capability != "" {
		add("$%d = ANY(capabilities)", f.Capability)
	}
	q += " ORDER BY last_heartbeat_at DESC"

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Heartbeat refreshes an agent's liveness timestamp and marks it active.
func (db *DB) Heartbeat(ctx context.Context, agentID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat_at = now(), status = 'active' WHERE agent_id = $1`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// SweepAgentLiveness demotes agents whose heartbeat is stale: active agents
// idle past idleAfter become idle, any agent silent past offlineAfter becomes
// offline. Returns how many rows changed.
func (db *DB) SweepAgentLiveness(ctx context.Context, idleAfter, offlineAfter time.Duration) (int64, error) {
	var changed int64

	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = 'idle'
		 WHERE status = 'active' AND last_heartbeat_at < now() - $1::interval`,
		idleAfter.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep idle: %w", err)
	}
	changed += tag.RowsAffected()

	tag, err = db.pool.Exec(ctx,
		`UPDATE agents SET status = 'offline'
		 WHERE status != 'offline' AND last_heartbeat_at < now() - $1::interval`,
		offlineAfter.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep offline: %w", err)
	}
	changed += tag.RowsAffected()
	return changed, nil
}

// GetCredibility loads an agent's per-category track record.
func (db *DB) GetCredibility(ctx context.Context, agentID string) (map[model.Category]model.CredibilityRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT category, verified_correct, verified_incorrect
		 FROM agent_credibility WHERE agent_id = $1`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get credibility: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Category]model.CredibilityRecord)
	for rows.Next() {
		var c model.Category
		var r model.CredibilityRecord
		if err := rows.Scan(&c, &r.VerifiedCorrect, &r.VerifiedIncorrect); err != nil {
			return nil, fmt.Errorf("storage: scan credibility: %w", err)
		}
		// Laplace-smoothed ratio so sparse histories stay near the 0.5 prior.
		r.Score = float64(r.VerifiedCorrect+1) / float64(r.VerifiedCorrect+r.VerifiedIncorrect+2)
		out[c] = r
	}
	return out, rows.Err()
}

// RecordCredibilitySample bumps an agent's verified-correct or
// verified-incorrect counter in one category.
func (db *DB) RecordCredibilitySample(ctx context.Context, agentID string, category model.Category, correct bool) error {
	correctDelta, incorrectDelta := 0, 1
	if correct {
		correctDelta, incorrectDelta = 1, 0
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_credibility (agent_id, category, verified_correct, verified_incorrect)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent_id, category) DO UPDATE SET
		     verified_correct = agent_credibility.verified_correct + $3,
		     verified_incorrect = agent_credibility.verified_incorrect + $4,
		     updated_at = now()`,
		agentID, category, correctDelta, incorrectDelta,
	)
	if err != nil {
		return fmt.Errorf("storage: record credibility sample: %w", err)
	}
	return nil
}

// CountActiveTasks returns the number of non-terminal tasks assigned to the
// agent. Used as the load signal during delegation ranking.
func (db *DB) CountActiveTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks
		 WHERE assigned_to = $1 AND status IN ('assigned', 'in_progress')`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count active tasks: %w", err)
	}
	return n, nil
}

// ActiveTaskCounts returns the non-terminal task count per agent, one roster
// scan instead of a query per candidate.
func (db *DB) ActiveTaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT assigned_to, count(*) FROM tasks
		 WHERE assigned_to <> '' AND status IN ('assigned', 'in_progress')
		 GROUP BY assigned_to`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active task counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("storage: scan task count: %w", err)
		}
		out[agentID] = n
	}
	return out, rows.Err()
}
