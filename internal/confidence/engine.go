// Package confidence implements the Confidence Engine: a weighted seven-factor
// reliability score over each memory, fed by verifications, votes, usage
// outcomes, agent credibility, and contradiction state.
package confidence

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/embedding"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
)

// noviceCredibility is the prior for agents with no verified track record.
const noviceCredibility = 0.5

// neutralScore is the factor value used when a signal has no data yet.
const neutralScore = 0.7

// Config is the slice of application configuration the engine needs. Weights
// must cover the seven factors and sum to 1.0 within 0.01; config validation
// enforces that before the engine is built.
type Config struct {
	MachineID    string
	Weights      map[model.ConfidenceFactor]float64
	HalfLifeDays map[model.Category]float64
	UsageWindow  time.Duration
}

// Engine computes confidence scores and manages the feedback loops that feed
// them. It also implements the memory engine's Scorer so min_confidence
// search filters work.
type Engine struct {
	db       *storage.DB
	index    search.Index
	provider embedding.Provider
	mem      *memory.Engine
	bus      bus.Bus
	cfg      Config
	logger   *slog.Logger
}

// New creates a confidence engine.
func New(db *storage.DB, index search.Index, provider embedding.Provider, mem *memory.Engine, b bus.Bus, cfg Config, logger *slog.Logger) *Engine {
	if len(cfg.Weights) == 0 {
		cfg.Weights = model.DefaultConfidenceWeights()
	}
	if cfg.UsageWindow <= 0 {
		cfg.UsageWindow = 30 * 24 * time.Hour
	}
	return &Engine{db: db, index: index, provider: provider, mem: mem, bus: b, cfg: cfg, logger: logger}
}

// QueryContext carries the read-time signals for the context relevance
// factor. Nil means static scoring with a neutral relevance.
type QueryContext struct {
	Query     string
	ProjectID string
	MachineID string
}

// ScoreMemory computes the confidence record for one memory.
func (e *Engine) ScoreMemory(ctx context.Context, id uuid.UUID, qc *QueryContext) (model.ConfidenceRecord, error) {
	m, err := e.db.GetMemory(ctx, id)
	if err != nil {
		return model.ConfidenceRecord{}, mapStorageErr(err, "score memory")
	}
	return e.score(ctx, m, qc)
}

// Score implements memory.Scorer: a static score with neutral relevance.
func (e *Engine) Score(ctx context.Context, m model.Memory) (float64, error) {
	rec, err := e.score(ctx, m, nil)
	if err != nil {
		return 0, err
	}
	return rec.FinalScore, nil
}

func (e *Engine) score(ctx context.Context, m model.Memory, qc *QueryContext) (model.ConfidenceRecord, error) {
	ev, err := e.db.LoadConfidenceEvidence(ctx, m.ID)
	if err != nil {
		return model.ConfidenceRecord{}, mapStorageErr(err, "load confidence evidence")
	}

	now := time.Now().UTC()
	components := map[model.ConfidenceFactor]float64{
		model.FactorFreshness:        e.freshness(m, ev, now),
		model.FactorSourceCred:       e.sourceCredibility(ctx, m),
		model.FactorVerification:     verificationScore(m, ev),
		model.FactorConsensus:        consensusScore(ev),
		model.FactorNoContradiction:  contradictionScore(ev),
		model.FactorUsageSuccess:     usageScore(ev, now, e.cfg.UsageWindow),
		model.FactorContextRelevance: e.relevance(ctx, m, qc),
	}

	final := 0.0
	for factor, weight := range e.cfg.Weights {
		final += weight * components[factor]
	}
	return model.ConfidenceRecord{
		MemoryID:   m.ID,
		FinalScore: clamp01(final),
		Components: components,
		ComputedAt: now,
		DecayModel: "half_life_exponential",
	}, nil
}

// freshness decays exponentially with age: 0.5^(age_days/half_life). A
// positive verification resets the reference timestamp.
func (e *Engine) freshness(m model.Memory, ev storage.ConfidenceEvidence, now time.Time) float64 {
	ref := m.UpdatedAt
	for _, v := range ev.Verifications {
		if v.Kind.Positive() && v.VerifiedAt.After(ref) {
			ref = v.VerifiedAt
		}
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	halfLife, ok := e.cfg.HalfLifeDays[m.Category]
	if !ok || halfLife <= 0 {
		halfLife = 60
	}
	return math.Pow(0.5, ageDays/halfLife)
}

// sourceCredibility looks up the source agent's track record in the memory's
// category, falling back to the agent's cross-category record, then to the
// novice prior.
func (e *Engine) sourceCredibility(ctx context.Context, m model.Memory) float64 {
	if m.SourceAgentID == "" {
		return noviceCredibility
	}
	cred, err := e.db.GetCredibility(ctx, m.SourceAgentID)
	if err != nil {
		e.logger.Warn("confidence: credibility lookup failed", "agent_id", m.SourceAgentID, "error", err)
		return noviceCredibility
	}
	if rec, ok := cred[m.Category]; ok {
		return rec.Score
	}
	correct, total := 0, 0
	for _, rec := range cred {
		correct += rec.VerifiedCorrect
		total += rec.VerifiedCorrect + rec.VerifiedIncorrect
	}
	if total == 0 {
		return noviceCredibility
	}
	// Same Laplace smoothing the per-category score uses.
	return float64(correct+1) / float64(total+2)
}

// verificationScore maps the verifier set onto the fixed ladder: unverified
// 0.3, self 0.5, one peer 0.7, two or more peers 0.85, five or more 0.95,
// system-verified 1.0.
func verificationScore(m model.Memory, ev storage.ConfidenceEvidence) float64 {
	peers := make(map[string]bool)
	self := false
	for _, v := range ev.Verifications {
		if !v.Kind.Positive() {
			continue
		}
		if v.System {
			return 1.0
		}
		if v.VerifierAgentID == m.SourceAgentID {
			self = true
			continue
		}
		peers[v.VerifierAgentID] = true
	}
	switch {
	case len(peers) >= 5:
		return 0.95
	case len(peers) >= 2:
		return 0.85
	case len(peers) == 1:
		return 0.7
	case self:
		return 0.5
	default:
		return 0.3
	}
}

// consensusScore is the agree proportion among at least three independent
// voters. Voters all on one machine do not reach quorum.
func consensusScore(ev storage.ConfidenceEvidence) float64 {
	if len(ev.Votes) < 3 {
		return 0
	}
	machines := make(map[string]bool)
	agree := 0
	for _, v := range ev.Votes {
		machines[v.VoterMachineID] = true
		if v.Choice == model.VoteAgree {
			agree++
		}
	}
	if len(machines) < 2 {
		return 0
	}
	return float64(agree) / float64(len(ev.Votes))
}

// contradictionScore is 1 with no open contradictions, else 1 minus the
// summed severity, floored at 0.
func contradictionScore(ev storage.ConfidenceEvidence) float64 {
	if ev.OpenContradictions == 0 {
		return 1
	}
	return math.Max(0, 1-ev.ContradictionSeverity)
}

// usageScore is the success ratio over the rolling window. Partial outcomes
// count half; no data inside the window scores neutral.
func usageScore(ev storage.ConfidenceEvidence, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	var success, total float64
	for _, u := range ev.Usage {
		if u.TrackedAt.Before(cutoff) {
			continue
		}
		switch u.Outcome {
		case model.OutcomeSuccess:
			success++
			total++
		case model.OutcomePartial:
			success += 0.5
			total++
		case model.OutcomeFailure, model.OutcomeError:
			total++
		}
	}
	if total == 0 {
		return neutralScore
	}
	return success / total
}

// relevance scores the memory against the query context: half cosine
// similarity of query to content, a quarter each for project and machine
// match. Static scoring (nil context) is neutral.
func (e *Engine) relevance(ctx context.Context, m model.Memory, qc *QueryContext) float64 {
	if qc == nil {
		return neutralScore
	}
	score := 0.0
	if qc.ProjectID != "" && qc.ProjectID == m.ProjectID {
		score += 0.25
	}
	if qc.MachineID != "" && qc.MachineID == m.MachineID {
		score += 0.25
	}
	if qc.Query != "" {
		qv, err := e.provider.Embed(ctx, qc.Query)
		if err != nil {
			e.logger.Warn("confidence: relevance embed failed", "error", err)
			return neutralScore
		}
		mv, err := e.provider.Embed(ctx, m.Content)
		if err != nil {
			return neutralScore
		}
		score += 0.5 * math.Max(0, cosine(qv.Slice(), mv.Slice()))
	}
	return clamp01(score)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 { return math.Min(1, math.Max(0, v)) }

func mapStorageErr(err error, op string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.Wrap(model.KindNotFound, err, "%s", op)
	}
	return model.Wrap(model.KindStorageError, err, "%s", op)
}
