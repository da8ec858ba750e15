// Package peersync replicates memories across the fleet. Each node journals
// its mutations; peers exchange journal entries over an HTTP JSON RPC (pull,
// push, and a server-push subscribe stream) and converge using vector clocks.
// Conflicts between concurrent writes are resolved deterministically so every
// node picks the same winner without coordination.
package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
)

// ApplyConfig tunes inbound event application.
type ApplyConfig struct {
	MachineID      string
	TombstoneGrace time.Duration // suppression window after a hard delete
}

// Applier applies sync events received from peers to local storage. Application
// is idempotent on the event's idempotency key and safe under at-least-once
// delivery.
type Applier struct {
	db     *storage.DB
	bus    bus.Bus
	cfg    ApplyConfig
	logger *slog.Logger
}

// NewApplier builds an Applier. The bus receives every applied remote event so
// local subscribers (SSE clients, the registry) observe remote activity; the
// outbound mirror skips events that did not originate here, so republishing
// cannot loop.
func NewApplier(db *storage.DB, b bus.Bus, cfg ApplyConfig, logger *slog.Logger) *Applier {
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = 7 * 24 * time.Hour
	}
	return &Applier{db: db, bus: b, cfg: cfg, logger: logger}
}

// Apply processes one inbound event and reports its per-event push status.
func (a *Applier) Apply(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	if ev.OriginMachineID == a.cfg.MachineID {
		// Our own event reflected back by a peer.
		return model.PushDuplicate, nil
	}

	key := ev.IdempotencyKey()
	first, err := a.db.MarkEventProcessed(ctx, key)
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "mark event processed")
	}
	if !first {
		return model.PushDuplicate, nil
	}

	var status model.PushStatus
	switch ev.Kind {
	case model.EventMemoryUpsert:
		status, err = a.applyUpsert(ctx, ev)
	case model.EventMemorySoftDelete:
		status, err = a.applySoftDelete(ctx, ev)
	case model.EventMemoryHardDelete:
		status, err = a.applyHardDelete(ctx, ev)
	case model.EventVerification:
		status, err = a.applyVerification(ctx, ev)
	case model.EventVote:
		status, err = a.applyVote(ctx, ev)
	case model.EventUsage:
		status, err = a.applyUsage(ctx, ev)
	case model.EventContradiction:
		status, err = a.applyContradiction(ctx, ev)
	default:
		// Heartbeats, task updates, and broadcasts carry no replicated
		// state; local subsystems consume them straight off the bus.
		status = model.PushAccepted
	}
	if err != nil {
		// Release the key so the sender's retry is applied rather than
		// short-circuited as a duplicate. Compensation must run even when
		// the request context is already cancelled.
		unmarkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if unmarkErr := a.db.UnmarkEventProcessed(unmarkCtx, key); unmarkErr != nil {
			a.logger.Error("peersync: unmark failed event",
				"kind", ev.Kind, "memory_id", ev.MemoryID, "error", unmarkErr)
		}
		cancel()
		return "", err
	}

	if pubErr := a.bus.Publish(ctx, ev); pubErr != nil {
		a.logger.Warn("peersync: republish inbound event",
			"kind", ev.Kind, "memory_id", ev.MemoryID, "error", pubErr)
	}
	return status, nil
}

func (a *Applier) applyUpsert(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	var incoming model.Memory
	if err := json.Unmarshal(ev.Payload, &incoming); err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "decode upsert payload")
	}
	if incoming.ID == uuid.Nil {
		return "", model.E(model.KindInvalidArgument, "upsert event without memory id")
	}

	// A tombstone means this id was purged. Only a write that causally
	// followed the purge may re-create it; concurrent stragglers are
	// suppressed for the grace window.
	ts, err := a.db.GetTombstone(ctx, incoming.ID)
	switch {
	case err == nil:
		if !incoming.VectorClock.Dominates(ts.VectorClock) {
			a.auditConflict(ctx, ev, uuid.Nil, "tombstone_suppression")
			return model.PushConflict, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return "", model.Wrap(model.KindStorageError, err, "tombstone lookup")
	}

	local, err := a.db.GetMemory(ctx, incoming.ID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := a.db.UpsertMemoryReplica(ctx, incoming); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "insert replica")
		}
		return model.PushAccepted, nil
	}
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "load local memory")
	}

	switch incoming.VectorClock.Compare(local.VectorClock) {
	case clock.After:
		if err := a.db.UpsertMemoryReplica(ctx, incoming); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "apply replica")
		}
		return model.PushAccepted, nil
	case clock.Before, clock.Equal:
		return model.PushDuplicate, nil
	}

	return a.resolveConcurrent(ctx, ev, local, incoming)
}

// resolveConcurrent decides between two concurrent versions of one memory and
// stores the winner with the merged clock, so both replicas converge on an
// identical record.
func (a *Applier) resolveConcurrent(ctx context.Context, ev model.SyncEvent, local, incoming model.Memory) (model.PushStatus, error) {
	incomingWins, rule := a.pickWinner(ctx, local, incoming)

	winner := local
	if incomingWins {
		winner = incoming
	}
	winner.VectorClock = local.VectorClock.Merge(incoming.VectorClock)
	if err := a.db.UpsertMemoryReplica(ctx, winner); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "store conflict winner")
	}

	winnerMachine := local.MachineID
	if incomingWins {
		winnerMachine = incoming.MachineID
	}
	a.auditConflict(ctx, ev, winner.ID, rule, "winner_machine", winnerMachine)
	return model.PushConflict, nil
}

// pickWinner applies the conflict rule order: deletion-vs-update first, then
// source agent credibility, then the lexicographically larger writing machine
// as a deterministic tie-break.
func (a *Applier) pickWinner(ctx context.Context, local, incoming model.Memory) (incomingWins bool, rule string) {
	localDeleted := !local.Live()
	incomingDeleted := !incoming.Live()

	if localDeleted != incomingDeleted {
		live, deleted := local, incoming
		liveIsIncoming := false
		if localDeleted {
			live, deleted = incoming, local
			liveIsIncoming = true
		}
		if updateBeatsDeletion(live, deleted) {
			return liveIsIncoming, "update_strictly_newer"
		}
		return !liveIsIncoming, "deletion_wins"
	}

	localCred := a.credibility(ctx, local.SourceAgentID)
	incomingCred := a.credibility(ctx, incoming.SourceAgentID)
	if incomingCred != localCred {
		return incomingCred > localCred, "source_credibility"
	}

	return incoming.MachineID > local.MachineID, "machine_id_tiebreak"
}

// updateBeatsDeletion reports whether a live version survives against a
// concurrent deletion: it must be strictly newer by wall clock AND have
// advanced its own machine's component past the deleted version's view.
func updateBeatsDeletion(live, deleted model.Memory) bool {
	if !live.UpdatedAt.After(deletedAt(deleted)) {
		return false
	}
	return live.VectorClock.Counter(live.MachineID) > deleted.VectorClock.Counter(live.MachineID)
}

func deletedAt(m model.Memory) time.Time {
	if m.DeletedAt != nil {
		return *m.DeletedAt
	}
	return m.UpdatedAt
}

// credibility is the agent's global Laplace-smoothed ratio, the 0.5 novice
// prior when unknown.
func (a *Applier) credibility(ctx context.Context, agentID string) float64 {
	records, err := a.db.GetCredibility(ctx, agentID)
	if err != nil {
		a.logger.Warn("peersync: credibility lookup", "agent_id", agentID, "error", err)
		return 0.5
	}
	var correct, total int
	for _, r := range records {
		correct += r.VerifiedCorrect
		total += r.VerifiedCorrect + r.VerifiedIncorrect
	}
	return float64(correct+1) / float64(total+2)
}

func (a *Applier) applySoftDelete(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	if ev.MemoryID == uuid.Nil {
		return "", model.E(model.KindInvalidArgument, "soft delete event without memory id")
	}
	expiresAt := time.Now().UTC().Add(30 * 24 * time.Hour)
	if ev.DeleteExpiresAt != nil {
		expiresAt = *ev.DeleteExpiresAt
	}

	local, err := a.db.GetMemory(ctx, ev.MemoryID)
	if errors.Is(err, storage.ErrNotFound) {
		// Delete arrived before the upsert it follows. A tombstone keeps a
		// late, causally older upsert from resurrecting the memory.
		t := storage.Tombstone{
			MemoryID:    ev.MemoryID,
			VectorClock: ev.ClockSnapshot.Clone(),
			ExpiresAt:   expiresAt,
		}
		if err := a.db.InsertTombstone(ctx, t); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "tombstone unknown delete")
		}
		return model.PushAccepted, nil
	}
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "load local memory")
	}

	switch ev.ClockSnapshot.Compare(local.VectorClock) {
	case clock.After:
		vc := local.VectorClock.Merge(ev.ClockSnapshot)
		if err := a.db.SoftDeleteMemory(ctx, ev.MemoryID, ev.OriginMachineID, "peer delete", expiresAt, vc); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "apply soft delete")
		}
		return model.PushAccepted, nil
	case clock.Before, clock.Equal:
		return model.PushDuplicate, nil
	}

	// Concurrent local edit versus remote deletion.
	deleted := model.Memory{
		MachineID:   ev.OriginMachineID,
		VectorClock: ev.ClockSnapshot,
		UpdatedAt:   ev.WallClock,
	}
	if local.Live() && updateBeatsDeletion(local, deleted) {
		merged := local
		merged.VectorClock = local.VectorClock.Merge(ev.ClockSnapshot)
		if err := a.db.UpsertMemoryReplica(ctx, merged); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "keep local over delete")
		}
		a.auditConflict(ctx, ev, local.ID, "update_strictly_newer")
		return model.PushConflict, nil
	}
	vc := local.VectorClock.Merge(ev.ClockSnapshot)
	if err := a.db.SoftDeleteMemory(ctx, ev.MemoryID, ev.OriginMachineID, "peer delete", expiresAt, vc); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "apply conflicting delete")
	}
	a.auditConflict(ctx, ev, ev.MemoryID, "deletion_wins")
	return model.PushConflict, nil
}

func (a *Applier) applyHardDelete(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	if ev.MemoryID == uuid.Nil {
		return "", model.E(model.KindInvalidArgument, "hard delete event without memory id")
	}
	expiry := time.Now().UTC().Add(a.cfg.TombstoneGrace)

	local, err := a.db.GetMemory(ctx, ev.MemoryID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", model.Wrap(model.KindStorageError, err, "load local memory")
	}

	if err == nil {
		if local.Live() && local.VectorClock.Dominates(ev.ClockSnapshot) {
			// The local copy causally followed the purge's view; keep it.
			return model.PushDuplicate, nil
		}
		deleted := model.Memory{
			MachineID:   ev.OriginMachineID,
			VectorClock: ev.ClockSnapshot,
			UpdatedAt:   ev.WallClock,
		}
		if local.Live() && local.VectorClock.Compare(ev.ClockSnapshot) == clock.Concurrent &&
			updateBeatsDeletion(local, deleted) {
			merged := local
			merged.VectorClock = local.VectorClock.Merge(ev.ClockSnapshot)
			if err := a.db.UpsertMemoryReplica(ctx, merged); err != nil {
				return "", model.Wrap(model.KindStorageError, err, "keep local over purge")
			}
			a.auditConflict(ctx, ev, local.ID, "update_strictly_newer")
			return model.PushConflict, nil
		}
		audit := storage.AuditEntry{
			Kind:      storage.AuditHardDelete,
			Actor:     ev.OriginMachineID,
			MachineID: a.cfg.MachineID,
			MemoryID:  &ev.MemoryID,
			Detail:    map[string]any{"reason": "peer purge"},
		}
		if err := a.db.HardDeleteMemory(ctx, ev.MemoryID, expiry, audit); err != nil {
			return "", model.Wrap(model.KindStorageError, err, "apply hard delete")
		}
		return model.PushAccepted, nil
	}

	// Unknown locally: record the tombstone anyway so a straggling upsert
	// does not re-create the purged memory.
	t := storage.Tombstone{
		MemoryID:    ev.MemoryID,
		VectorClock: ev.ClockSnapshot.Clone(),
		ExpiresAt:   expiry,
	}
	if err := a.db.InsertTombstone(ctx, t); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "tombstone unknown purge")
	}
	return model.PushAccepted, nil
}

func (a *Applier) applyVerification(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	var v model.Verification
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "decode verification payload")
	}
	if err := a.db.InsertVerification(ctx, v); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "apply verification")
	}
	a.accrueCredibility(ctx, v)
	return model.PushAccepted, nil
}

// accrueCredibility mirrors the local feedback path: peer verifications adjust
// the author's track record here too, so credibility converges fleet-wide.
func (a *Applier) accrueCredibility(ctx context.Context, v model.Verification) {
	m, err := a.db.GetMemory(ctx, v.MemoryID)
	if err != nil {
		return // memory not replicated here yet; the next sweep catches up
	}
	if v.VerifierAgentID == m.SourceAgentID || m.SourceAgentID == "" {
		return
	}
	var correct bool
	switch v.Kind {
	case model.VerifyConfirmed, model.VerifyStillValid:
		correct = true
	case model.VerifyIncorrect:
		correct = false
	default:
		return // outdated carries no credibility signal
	}
	if err := a.db.RecordCredibilitySample(ctx, m.SourceAgentID, m.Category, correct); err != nil {
		a.logger.Warn("peersync: accrue credibility", "agent_id", m.SourceAgentID, "error", err)
	}
}

func (a *Applier) applyVote(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	var v model.Vote
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "decode vote payload")
	}
	if err := a.db.UpsertVote(ctx, v); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "apply vote")
	}
	return model.PushAccepted, nil
}

func (a *Applier) applyUsage(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	var u model.UsageOutcome
	if err := json.Unmarshal(ev.Payload, &u); err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "decode usage payload")
	}
	if err := a.db.InsertUsageOutcome(ctx, u); err != nil {
		return "", model.Wrap(model.KindStorageError, err, "apply usage outcome")
	}
	return model.PushAccepted, nil
}

func (a *Applier) applyContradiction(ctx context.Context, ev model.SyncEvent) (model.PushStatus, error) {
	var c model.Contradiction
	if err := json.Unmarshal(ev.Payload, &c); err != nil {
		return "", model.Wrap(model.KindInvalidArgument, err, "decode contradiction payload")
	}
	inserted, err := a.db.InsertContradiction(ctx, c)
	if err != nil {
		return "", model.Wrap(model.KindStorageError, err, "apply contradiction")
	}
	if !inserted {
		return model.PushDuplicate, nil
	}
	return model.PushAccepted, nil
}

// auditConflict records a sync conflict resolution in the local audit log.
func (a *Applier) auditConflict(ctx context.Context, ev model.SyncEvent, winnerID uuid.UUID, rule string, kv ...any) {
	detail := map[string]any{
		"rule":   rule,
		"origin": ev.OriginMachineID,
		"kind":   string(ev.Kind),
	}
	if winnerID != uuid.Nil {
		detail["winner_id"] = winnerID.String()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		detail[fmt.Sprint(kv[i])] = kv[i+1]
	}
	var memoryID *uuid.UUID
	if ev.MemoryID != uuid.Nil {
		id := ev.MemoryID
		memoryID = &id
	}
	entry := storage.AuditEntry{
		Kind:      storage.AuditSyncConflict,
		Actor:     ev.OriginMachineID,
		MachineID: a.cfg.MachineID,
		MemoryID:  memoryID,
		Detail:    detail,
	}
	if err := a.db.InsertAudit(ctx, entry); err != nil {
		a.logger.Error("peersync: audit sync conflict", "memory_id", ev.MemoryID, "error", err)
	}
}
