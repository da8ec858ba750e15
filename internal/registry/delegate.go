package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// TaskRequest describes work to delegate.
type TaskRequest struct {
	Description          string             `json:"description"`
	RequiredCapabilities []string           `json:"required_capabilities,omitempty"`
	Priority             model.TaskPriority `json:"priority,omitempty"`
	CreatedBy            string             `json:"created_by"`
	LocalOnly            bool               `json:"local_only,omitempty"`
}

// Delegate creates a task and assigns it to the best-ranked capable agent.
// With no capable agent online the task stays pending for a later retry.
func (r *Registry) Delegate(ctx context.Context, req TaskRequest) (model.Task, error) {
	if req.Description == "" {
		return model.Task{}, model.E(model.KindInvalidArgument, "task description is required")
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !req.Priority.Valid() {
		return model.Task{}, model.E(model.KindInvalidArgument, "unknown priority %q", req.Priority)
	}

	task, err := r.db.CreateTask(ctx, model.Task{
		Description:          req.Description,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Status:               model.TaskPending,
		CreatedBy:            req.CreatedBy,
	})
	if err != nil {
		return model.Task{}, model.Wrap(model.KindStorageError, err, "create task")
	}

	candidate, err := r.pickAssignee(ctx, req)
	if err != nil {
		return model.Task{}, err
	}
	if candidate == "" {
		r.publishTaskUpdate(ctx, task)
		return task, nil // pending until a capable agent appears
	}

	assigned, err := r.db.TransitionTask(ctx, task.TaskID, model.TaskPending, model.TaskAssigned, &candidate, nil)
	if err != nil {
		return model.Task{}, mapStorageErr(err, "assign task")
	}
	r.publishTaskUpdate(ctx, assigned)
	return assigned, nil
}

// candidate pairs an agent with its ranking signals.
type candidate struct {
	agent       model.Agent
	specificity float64
	load        int
	local       bool
	credibility float64
}

// pickAssignee ranks active capable agents: specificity, then load, then
// locality, then credibility, then a random tiebreak.
func (r *Registry) pickAssignee(ctx context.Context, req TaskRequest) (string, error) {
	agents, err := r.db.ListAgents(ctx, model.RosterFilter{Status: model.AgentActive})
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "list candidate agents")
	}

	loads, err := r.db.ActiveTaskCounts(ctx)
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "load active task counts")
	}

	var candidates []candidate
	for _, a := range agents {
		if !a.HasCapabilities(req.RequiredCapabilities) {
			continue
		}
		if req.LocalOnly && a.MachineID != r.cfg.MachineID {
			continue
		}
		candidates = append(candidates, candidate{
			agent:       a,
			specificity: specificity(a, req.RequiredCapabilities),
			load:        loads[a.AgentID],
			local:       a.MachineID == r.cfg.MachineID,
			credibility: r.globalCredibility(ctx, a.AgentID),
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.specificity, a.specificity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.load, b.load); c != 0 {
			return c
		}
		if a.local != b.local {
			if a.local {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.credibility, a.credibility)
	})
	return candidates[0].agent.AgentID, nil
}

// specificity measures how specialized an agent is for the requirement: the
// share of its capability set the task actually needs. A generalist with many
// unrelated capabilities ranks below a focused agent.
func specificity(a model.Agent, required []string) float64 {
	if len(a.Capabilities) == 0 || len(required) == 0 {
		return 0
	}
	return float64(len(required)) / float64(len(a.Capabilities))
}

func (r *Registry) globalCredibility(ctx context.Context, agentID string) float64 {
	records, err := r.db.GetCredibility(ctx, agentID)
	if err != nil {
		return 0.5
	}
	var correct, total int
	for _, rec := range records {
		correct += rec.VerifiedCorrect
		total += rec.VerifiedCorrect + rec.VerifiedIncorrect
	}
	return float64(correct+1) / float64(total+2)
}

// TransitionTask moves a task through its lifecycle on behalf of an agent.
// Illegal transitions fail with InvalidArgument; a lost optimistic race with
// another writer surfaces as ConflictDetected.
func (r *Registry) TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus, result json.RawMessage) (model.Task, error) {
	if !from.CanTransition(to) {
		return model.Task{}, model.E(model.KindInvalidArgument, "illegal task transition %s -> %s", from, to)
	}
	task, err := r.db.TransitionTask(ctx, id, from, to, nil, result)
	if err != nil {
		// Distinguish a missing task from a concurrent transition.
		if _, getErr := r.db.GetTask(ctx, id); getErr == nil {
			return model.Task{}, model.Wrap(model.KindConflictDetected, err, "task moved concurrently")
		}
		return model.Task{}, mapStorageErr(err, "transition task")
	}
	r.publishTaskUpdate(ctx, task)
	return task, nil
}

// DeclineTask returns an assigned task to the pool and immediately retries
// delegation against the remaining candidates.
func (r *Registry) DeclineTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	task, err := r.db.TransitionTask(ctx, id, model.TaskAssigned, model.TaskPending, nil, nil)
	if err != nil {
		return model.Task{}, mapStorageErr(err, "decline task")
	}

	declinedBy := task.AssignedTo
	next, err := r.pickAssignee(ctx, TaskRequest{RequiredCapabilities: task.RequiredCapabilities})
	if err != nil || next == "" || next == declinedBy {
		r.publishTaskUpdate(ctx, task)
		return task, nil
	}
	assigned, err := r.db.TransitionTask(ctx, id, model.TaskPending, model.TaskAssigned, &next, nil)
	if err != nil {
		return task, nil // stays pending; the retry sweep reassigns
	}
	r.publishTaskUpdate(ctx, assigned)
	return assigned, nil
}

// ListTasks returns tasks filtered by assignee and status.
func (r *Registry) ListTasks(ctx context.Context, assignee string, status model.TaskStatus, limit int) ([]model.Task, error) {
	tasks, err := r.db.ListTasks(ctx, assignee, status, limit)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list tasks")
	}
	return tasks, nil
}

// RetryPending attempts assignment for tasks that found no agent earlier.
// Run periodically; the interval supplies the exponential-delay retry the
// delegation flow promises.
func (r *Registry) RetryPending(ctx context.Context, limit int) (int, error) {
	pending, err := r.db.ListTasks(ctx, "", model.TaskPending, limit)
	if err != nil {
		return 0, model.Wrap(model.KindStorageError, err, "list pending tasks")
	}
	assigned := 0
	for _, task := range pending {
		next, err := r.pickAssignee(ctx, TaskRequest{RequiredCapabilities: task.RequiredCapabilities})
		if err != nil || next == "" {
			continue
		}
		t, err := r.db.TransitionTask(ctx, task.TaskID, model.TaskPending, model.TaskAssigned, &next, nil)
		if err != nil {
			continue // raced with another assigner
		}
		r.publishTaskUpdate(ctx, t)
		assigned++
	}
	return assigned, nil
}

func (r *Registry) publishTaskUpdate(ctx context.Context, task model.Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		r.logger.Error("registry: marshal task update", "task_id", task.TaskID, "error", err)
		return
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventTaskUpdate,
		OriginMachineID: r.cfg.MachineID,
		Payload:         payload,
		WallClock:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("registry: publish task update", "task_id", task.TaskID, "error", err)
	}
}
