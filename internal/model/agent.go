package model

import (
	"fmt"
	"regexp"
	"time"
)

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered member of the collective.
type Agent struct {
	AgentID         string            `json:"agent_id"`
	MachineID       string            `json:"machine_id"`
	Role            string            `json:"role"`
	Description     string            `json:"description,omitempty"`
	Capabilities    []string          `json:"capabilities"`
	Status          AgentStatus       `json:"status"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	RegisteredAt    time.Time         `json:"registered_at"`
	Credibility     map[Category]CredibilityRecord `json:"credibility,omitempty"`
}

// CredibilityRecord tracks an agent's verified track record in one category.
type CredibilityRecord struct {
	VerifiedCorrect   int     `json:"verified_correct"`
	VerifiedIncorrect int     `json:"verified_incorrect"`
	Score             float64 `json:"score"` // [0,1]
}

// HasCapabilities reports whether the agent's capability set covers all of
// required. An empty requirement is always covered.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateAgentID enforces the agent identifier format: alphanumeric start,
// then alphanumerics, dots, underscores, or hyphens, at most 128 characters.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent_id %q must match %s", id, agentIDPattern)
	}
	return nil
}

// RosterFilter narrows a roster listing.
type RosterFilter struct {
	Role       string      `json:"role,omitempty"`
	Capability string      `json:"capability,omitempty"`
	MachineID  string      `json:"machine_id,omitempty"`
	Status     AgentStatus `json:"status,omitempty"`
}

// Matches reports whether the agent passes the filter.
func (f RosterFilter) Matches(a Agent) bool {
	if f.Role != "" && a.Role != f.Role {
		return false
	}
	if f.MachineID != "" && a.MachineID != f.MachineID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapabilities([]string{f.Capability}) {
		return false
	}
	return true
}
