package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/haivemind/haivemind/internal/model"
)

const taskColumns = `task_id, description, required_capabilities, priority,
	assigned_to, status, created_by, result, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.TaskID, &t.Description, &t.RequiredCapabilities, &t.Priority,
		&t.AssignedTo, &t.Status, &t.CreatedBy, &t.Result, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

// CreateTask inserts a new task.
func (db *DB) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.TaskID == uuid.Nil {
		t.TaskID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.RequiredCapabilities == nil {
		t.RequiredCapabilities = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.TaskID, t.Description, t.RequiredCapabilities, t.Priority,
		t.AssignedTo, t.Status, t.CreatedBy, t.Result, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	return t, nil
}

// GetTask fetches one task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// TransitionTask moves a task from one status to another, optionally changing
// the assignee and recording a result. The WHERE clause on the current status
// makes the transition optimistic: a concurrent writer causes ErrNotFound and
// the caller re-reads.
func (db *DB) TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus, assignee *string, result json.RawMessage) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`UPDATE tasks SET
		     status = $3,
		     assigned_to = COALESCE($4, assigned_to),
		     result = COALESCE($5, result),
		     updated_at = now()
		 WHERE task_id = $1 AND status = $2
		 RETURNING `+taskColumns,
		id, from, to, assignee, result,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s at %s: %w", id, from, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: transition task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally narrowed to one assignee and/or status,
// newest first.
func (db *DB) ListTasks(ctx context.Context, assignee string, status model.TaskStatus, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE true`
	args := []any{}
	if assignee != "" {
		args = append(args, assignee)
		q += fmt.Sprintf(" AND assigned_to = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
