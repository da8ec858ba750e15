package confidence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
)

// Verify records one agent's judgement on a memory. Positive kinds reset the
// freshness reference and credit the source agent; incorrect debits it;
// outdated soft-deletes the memory.
func (e *Engine) Verify(ctx context.Context, memoryID uuid.UUID, verifierAgentID string, kind model.VerificationKind, notes string, system bool) error {
	if !kind.Valid() {
		return model.E(model.KindInvalidArgument, "unknown verification kind %q", kind)
	}
	m, err := e.db.GetMemory(ctx, memoryID)
	if err != nil {
		return mapStorageErr(err, "verify memory")
	}

	v := model.Verification{
		MemoryID:        memoryID,
		VerifierAgentID: verifierAgentID,
		Kind:            kind,
		VerifiedAt:      time.Now().UTC(),
		Notes:           notes,
		System:          system,
	}
	if err := e.db.InsertVerification(ctx, v); err != nil {
		return mapStorageErr(err, "verify memory")
	}

	// Verifications by others are the agent's verified track record. Outdated
	// is staleness, not wrongness, so it carries no credibility signal.
	if m.SourceAgentID != "" && verifierAgentID != m.SourceAgentID {
		switch {
		case kind.Positive():
			e.recordCredibility(ctx, m.SourceAgentID, m.Category, true)
		case kind == model.VerifyIncorrect:
			e.recordCredibility(ctx, m.SourceAgentID, m.Category, false)
		}
	}

	if kind == model.VerifyOutdated {
		if err := e.mem.Delete(ctx, memoryID, verifierAgentID, "verified outdated"); err != nil {
			if !model.IsKind(err, model.KindNotFound) {
				return err
			}
		}
	}

	e.publish(ctx, model.EventVerification, memoryID, m.Confidentiality, v)
	return nil
}

// Vote records or replaces an agent's vote on a memory.
func (e *Engine) Vote(ctx context.Context, v model.Vote) error {
	if !v.Choice.Valid() {
		return model.E(model.KindInvalidArgument, "unknown vote %q", v.Choice)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return model.E(model.KindInvalidArgument, "vote confidence must be in [0,1], got %v", v.Confidence)
	}
	m, err := e.db.GetMemory(ctx, v.MemoryID)
	if err != nil {
		return mapStorageErr(err, "vote")
	}
	if v.VotedAt.IsZero() {
		v.VotedAt = time.Now().UTC()
	}
	if err := e.db.UpsertVote(ctx, v); err != nil {
		return mapStorageErr(err, "vote")
	}
	e.publish(ctx, model.EventVote, v.MemoryID, m.Confidentiality, v)
	return nil
}

// ReportUsage records the outcome of acting on a memory.
func (e *Engine) ReportUsage(ctx context.Context, u model.UsageOutcome) error {
	if !u.Outcome.Valid() {
		return model.E(model.KindInvalidArgument, "unknown usage outcome %q", u.Outcome)
	}
	m, err := e.db.GetMemory(ctx, u.MemoryID)
	if err != nil {
		return mapStorageErr(err, "report usage")
	}
	if u.TrackedAt.IsZero() {
		u.TrackedAt = time.Now().UTC()
	}
	if err := e.db.InsertUsageOutcome(ctx, u); err != nil {
		return mapStorageErr(err, "report usage")
	}
	e.publish(ctx, model.EventUsage, u.MemoryID, m.Confidentiality, u)
	return nil
}

// AgentCredibility is the per-category track record plus the aggregate score.
type AgentCredibility struct {
	AgentID    string                                 `json:"agent_id"`
	Global     float64                                `json:"global"`
	ByCategory map[model.Category]model.CredibilityRecord `json:"by_category"`
}

// GetAgentCredibility returns an agent's credibility across categories.
func (e *Engine) GetAgentCredibility(ctx context.Context, agentID string) (AgentCredibility, error) {
	byCat, err := e.db.GetCredibility(ctx, agentID)
	if err != nil {
		return AgentCredibility{}, mapStorageErr(err, "get credibility")
	}
	correct, total := 0, 0
	for _, rec := range byCat {
		correct += rec.VerifiedCorrect
		total += rec.VerifiedCorrect + rec.VerifiedIncorrect
	}
	global := noviceCredibility
	if total > 0 {
		global = float64(correct+1) / float64(total+2)
	}
	return AgentCredibility{AgentID: agentID, Global: global, ByCategory: byCat}, nil
}

// SearchHighConfidence delegates to memory search and keeps only hits at or
// above the confidence floor.
func (e *Engine) SearchHighConfidence(ctx context.Context, query string, minConfidence float64, f model.SearchFilters, limit int) ([]model.SearchHit, error) {
	if minConfidence < 0 || minConfidence > 1 {
		return nil, model.E(model.KindInvalidArgument, "min_confidence must be in [0,1], got %v", minConfidence)
	}
	f.MinConfidence = &minConfidence
	return e.mem.Search(ctx, memory.SearchRequest{Query: query, Filters: f, Limit: limit})
}

// FlaggedMemory is one low-freshness memory from a flag_outdated scan.
type FlaggedMemory struct {
	MemoryID  uuid.UUID      `json:"memory_id"`
	Category  model.Category `json:"category"`
	Freshness float64        `json:"freshness"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// flagScanCap bounds one flag_outdated pass.
const flagScanCap = 500

// FlagOutdated lists live memories whose freshness factor fell below the
// threshold (default 0.3).
func (e *Engine) FlagOutdated(ctx context.Context, category model.Category, threshold float64) ([]FlaggedMemory, error) {
	if threshold <= 0 {
		threshold = 0.3
	}
	var f model.SearchFilters
	if category != "" {
		f.Category = &category
	}
	candidates, err := e.mem.Recent(ctx, f, flagScanCap, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var flagged []FlaggedMemory
	for _, m := range candidates {
		ev, err := e.db.LoadConfidenceEvidence(ctx, m.ID)
		if err != nil {
			return nil, mapStorageErr(err, "flag outdated")
		}
		fresh := e.freshness(m, ev, now)
		if fresh < threshold {
			flagged = append(flagged, FlaggedMemory{
				MemoryID: m.ID, Category: m.Category, Freshness: fresh, UpdatedAt: m.UpdatedAt,
			})
		}
	}
	return flagged, nil
}

func (e *Engine) recordCredibility(ctx context.Context, agentID string, category model.Category, correct bool) {
	if err := e.db.RecordCredibilitySample(ctx, agentID, category, correct); err != nil {
		e.logger.Error("confidence: record credibility", "agent_id", agentID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, kind model.EventKind, memoryID uuid.UUID, level model.ConfidentialityLevel, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("confidence: marshal event", "kind", kind, "error", err)
		return
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            kind,
		MemoryID:        memoryID,
		OriginMachineID: e.cfg.MachineID,
		Payload:         data,
		Confidentiality: level,
		WallClock:       time.Now().UTC(),
	}
	if _, err := e.db.AppendSyncEvent(ctx, ev); err != nil {
		e.logger.Error("confidence: append sync event", "kind", kind, "error", err)
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("confidence: publish event", "kind", kind, "error", err)
	}
}
