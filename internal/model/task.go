package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders delegation work.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Valid reports whether p is a recognized priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// taskTransitions encodes the linear DAG from pending to the terminal states.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskPending, TaskCancelled},
	TaskInProgress: {TaskDone, TaskFailed, TaskCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Task is a delegation record.
type Task struct {
	TaskID               uuid.UUID       `json:"task_id"`
	Description          string          `json:"description"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Priority             TaskPriority    `json:"priority"`
	AssignedTo           string          `json:"assigned_to,omitempty"`
	Status               TaskStatus      `json:"status"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Result               json.RawMessage `json:"result,omitempty"`
}
