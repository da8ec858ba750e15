package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/clock"
)

// EventKind classifies a sync event on the bus.
type EventKind string

const (
	EventMemoryUpsert     EventKind = "memory_upsert"
	EventMemorySoftDelete EventKind = "memory_soft_delete"
	EventMemoryHardDelete EventKind = "memory_hard_delete"
	EventVerification     EventKind = "verification"
	EventVote             EventKind = "vote"
	EventUsage            EventKind = "usage"
	EventContradiction    EventKind = "contradiction"
	EventAgentHeartbeat   EventKind = "agent_heartbeat"
	EventTaskUpdate       EventKind = "task_update"
	EventBroadcast        EventKind = "broadcast"
	EventAgentQuery       EventKind = "agent_query"
	EventAgentAnswer      EventKind = "agent_answer"
)

// SyncEvent is the unit of replication between peers and the payload carried
// on the bus. Events are ephemeral: the journal retains them only until all
// peers acknowledge.
type SyncEvent struct {
	// EventID is assigned once at emission and rides through the journal,
	// so every delivery of the same event carries the same id.
	EventID         uuid.UUID            `json:"event_id"`
	Kind            EventKind            `json:"kind"`
	MemoryID        uuid.UUID            `json:"memory_id,omitempty"`
	OriginMachineID string               `json:"origin_machine_id"`
	Payload         json.RawMessage      `json:"payload,omitempty"`
	ClockSnapshot   clock.VectorClock    `json:"vector_clock_snapshot"`
	Confidentiality ConfidentialityLevel `json:"confidentiality_level,omitempty"`
	WallClock       time.Time            `json:"wall_clock"`
	// DeleteExpiresAt rides on soft-delete events so peers share the TTL.
	DeleteExpiresAt *time.Time `json:"delete_expires_at,omitempty"`
}

// IdempotencyKey identifies an event for at-least-once delivery: applying the
// same event twice must be a no-op, while distinct events on one memory (two
// votes, a verification and a usage report) must never collide. Keyed on the
// per-emission event id; the (kind, memory, clock) form covers events from
// peers that predate event ids.
func (e SyncEvent) IdempotencyKey() string {
	if e.EventID != uuid.Nil {
		return fmt.Sprintf("%s:%s", e.Kind, e.EventID)
	}
	return fmt.Sprintf("%s:%s@%v", e.Kind, e.MemoryID, e.ClockSnapshot)
}

// Outbound reports whether this event may be pushed to the given peer class.
// pii and confidential events never leave the node; internal events go only
// to peers marked internal in configuration.
func (e SyncEvent) Outbound(peerInternal bool) bool {
	switch e.Confidentiality {
	case ConfidentialityPII, ConfidentialityConfidential:
		return false
	case ConfidentialityInternal:
		return peerInternal
	default:
		return true
	}
}

// PushStatus is the per-event result of a push RPC.
type PushStatus string

const (
	PushAccepted  PushStatus = "accepted"
	PushDuplicate PushStatus = "duplicate"
	PushConflict  PushStatus = "conflict"
)
