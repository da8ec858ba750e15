package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
)

// BroadcastRequest is a fleet-wide announcement from one agent.
type BroadcastRequest struct {
	Message         string                     `json:"message"`
	AgentID         string                     `json:"agent_id"`
	Category        string                     `json:"category,omitempty"`
	Severity        string                     `json:"severity,omitempty"`
	Confidentiality model.ConfidentialityLevel `json:"confidentiality_level,omitempty"`
}

// broadcastPayload rides on the broadcast event; recipients store the memory
// reference, not a second copy of the content.
type broadcastPayload struct {
	MemoryID  uuid.UUID `json:"memory_id"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity,omitempty"`
	AgentID   string    `json:"agent_id"`
	MachineID string    `json:"machine_id"`
}

// Broadcast persists the announcement as an agent-category memory and
// publishes a broadcast event. The memory replicates through the normal sync
// path; the event is the low-latency notification.
func (r *Registry) Broadcast(ctx context.Context, req BroadcastRequest) (model.Memory, error) {
	if req.Message == "" {
		return model.Memory{}, model.E(model.KindInvalidArgument, "broadcast message is required")
	}
	category := req.Category
	if category == "" {
		category = string(model.CategoryAgent)
	}
	tags := []string{"broadcast"}
	if req.Severity != "" {
		tags = append(tags, "severity:"+req.Severity)
	}

	m, err := r.mem.Store(ctx, memory.StoreRequest{
		Content:         req.Message,
		Category:        category,
		Tags:            tags,
		AgentID:         req.AgentID,
		Confidentiality: req.Confidentiality,
	})
	if err != nil {
		return model.Memory{}, err
	}

	payload, err := json.Marshal(broadcastPayload{
		MemoryID:  m.ID,
		Message:   req.Message,
		Severity:  req.Severity,
		AgentID:   req.AgentID,
		MachineID: r.cfg.MachineID,
	})
	if err != nil {
		return m, model.Wrap(model.KindInvalidArgument, err, "encode broadcast")
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventBroadcast,
		MemoryID:        m.ID,
		OriginMachineID: r.cfg.MachineID,
		Payload:         payload,
		ClockSnapshot:   m.VectorClock.Clone(),
		Confidentiality: m.Confidentiality,
		WallClock:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("registry: publish broadcast", "memory_id", m.ID, "error", err)
	}
	return m, nil
}
