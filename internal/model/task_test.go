package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskAssigned, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskDone, false},
		{TaskAssigned, TaskInProgress, true},
		{TaskAssigned, TaskPending, true}, // decline requeues
		{TaskInProgress, TaskDone, true},
		{TaskInProgress, TaskFailed, true},
		{TaskDone, TaskInProgress, false}, // terminal
		{TaskCancelled, TaskPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, TaskDone.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskInProgress.Terminal())
}

func TestAgentHasCapabilities(t *testing.T) {
	a := Agent{Capabilities: []string{"redis_ops", "cluster_management"}}
	assert.True(t, a.HasCapabilities(nil))
	assert.True(t, a.HasCapabilities([]string{"redis_ops"}))
	assert.True(t, a.HasCapabilities([]string{"redis_ops", "cluster_management"}))
	assert.False(t, a.HasCapabilities([]string{"redis_ops", "elasticsearch_ops"}))
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("agent-7"))
	assert.NoError(t, ValidateAgentID("A1.worker_2"))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("-leading-dash"))
	assert.Error(t, ValidateAgentID("has space"))
}

func TestRosterFilter(t *testing.T) {
	a := Agent{AgentID: "a1", MachineID: "m1", Role: "worker",
		Status: AgentActive, Capabilities: []string{"code_review"}}

	assert.True(t, RosterFilter{}.Matches(a))
	assert.True(t, RosterFilter{Role: "worker", Capability: "code_review"}.Matches(a))
	assert.False(t, RosterFilter{Role: "lead"}.Matches(a))
	assert.False(t, RosterFilter{Status: AgentOffline}.Matches(a))
	assert.False(t, RosterFilter{Capability: "elasticsearch_ops"}.Matches(a))
}
