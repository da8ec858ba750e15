package confidence

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
)

// similarityFloor is the cosine similarity above which two memories are
// close enough to be talking about the same thing.
const similarityFloor = 0.8

// detectScanCap bounds how many memories one detection pass embeds.
const detectScanCap = 200

// temporalGap is the age difference beyond which the newer memory wins.
const temporalGap = 30 * 24 * time.Hour

// trustGap is the credibility difference beyond which the trusted source wins.
const trustGap = 0.2

// DetectContradictions scans a category for memory pairs that are highly
// similar yet disagree on a discriminator (numbers, state verbs, negation).
// New contradictions are persisted open and announced on the bus. Returns the
// contradictions opened by this pass.
func (e *Engine) DetectContradictions(ctx context.Context, category model.Category) ([]model.Contradiction, error) {
	if category == "" {
		return nil, model.E(model.KindInvalidArgument, "category is required")
	}
	cat := category
	candidates, err := e.mem.Recent(ctx, model.SearchFilters{Category: &cat}, detectScanCap, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) < 2 {
		return nil, nil
	}

	byID := make(map[uuid.UUID]model.Memory, len(candidates))
	texts := make([]string, len(candidates))
	for i, m := range candidates {
		byID[m.ID] = m
		texts[i] = m.Content
	}
	vecs, err := e.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, err, "embed contradiction candidates")
	}

	var opened []model.Contradiction
	seen := make(map[[2]uuid.UUID]bool)
	for i, m := range candidates {
		results, err := e.index.Query(ctx, vecs[i].Slice(), search.QueryFilter{Category: cat}, 6)
		if err != nil {
			return opened, model.Wrap(model.KindUnavailable, err, "probe contradiction candidates")
		}
		for _, r := range results {
			if r.MemoryID == m.ID || float64(r.Score) < similarityFloor {
				continue
			}
			other, ok := byID[r.MemoryID]
			if !ok {
				continue
			}
			key := pairKey(m.ID, other.ID)
			if seen[key] {
				continue
			}
			seen[key] = true

			kind, severity, disagree := Discriminate(m.Content, other.Content)
			if !disagree {
				continue
			}
			c := model.Contradiction{
				ID:         uuid.New(),
				MemoryAID:  key[0],
				MemoryBID:  key[1],
				Kind:       kind,
				Severity:   severity,
				DetectedAt: time.Now().UTC(),
			}
			inserted, err := e.db.InsertContradiction(ctx, c)
			if err != nil {
				return opened, mapStorageErr(err, "open contradiction")
			}
			if !inserted {
				continue // pair already known from an earlier sweep
			}
			opened = append(opened, c)
			e.announceContradiction(ctx, c, strictest(m.Confidentiality, other.Confidentiality))
		}
	}
	return opened, nil
}

// pairKey orders the pair so (a,b) and (b,a) dedupe to one contradiction,
// matching the storage uniqueness constraint.
func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	if strings.Compare(a.String(), b.String()) > 0 {
		a, b = b, a
	}
	return [2]uuid.UUID{a, b}
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)*`)

// statePairs are opposed boolean state verbs; one side appearing in each
// memory signals mutual exclusion.
var statePairs = [][2]string{
	{"running", "stopped"},
	{"enabled", "disabled"},
	{"active", "inactive"},
	{"healthy", "unhealthy"},
	{"online", "offline"},
	{"open", "closed"},
	{"up", "down"},
}

var negationPattern = regexp.MustCompile(`\b(not|no longer|never|isn't|doesn't|won't|cannot|can't)\b`)

// Discriminate compares two contents that are already known to be highly
// similar and reports whether they disagree on a discriminator, with the
// contradiction kind and severity. Severity rises with the strength of the
// signal: differing numbers 0.6, opposed state verbs 0.7, negation flip 0.8.
func Discriminate(a, b string) (model.ContradictionKind, float64, bool) {
	la, lb := strings.ToLower(a), strings.ToLower(b)

	if negationPattern.MatchString(la) != negationPattern.MatchString(lb) {
		return model.ContradictionMutualExclusion, 0.8, true
	}

	wordsA, wordsB := wordSet(la), wordSet(lb)
	for _, pair := range statePairs {
		if (wordsA[pair[0]] && wordsB[pair[1]]) || (wordsA[pair[1]] && wordsB[pair[0]]) {
			return model.ContradictionMutualExclusion, 0.7, true
		}
	}

	numsA := numberPattern.FindAllString(la, -1)
	numsB := numberPattern.FindAllString(lb, -1)
	if len(numsA) > 0 && len(numsB) > 0 && !sameMultiset(numsA, numsB) {
		return model.ContradictionFactual, 0.6, true
	}

	return "", 0, false
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[w] = true
	}
	return out
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

// ResolveResult reports how a contradiction was settled, or that it needs a
// human when no automatic strategy applied.
type ResolveResult struct {
	Contradiction model.Contradiction `json:"contradiction"`
	WinnerID      uuid.UUID           `json:"winner_id,omitempty"`
	Strategy      model.ResolutionStrategy `json:"strategy,omitempty"`
	NeedsManual   bool                `json:"needs_manual,omitempty"`
}

// Resolve settles an open contradiction. With an explicit winner the strategy
// is manual; otherwise the automatic strategies run in order: temporal, then
// source trust, then consensus. System checks are external, so a pair no
// strategy can split is surfaced for manual resolution.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, explicitWinner *uuid.UUID, actor string) (ResolveResult, error) {
	c, err := e.db.GetContradiction(ctx, id)
	if err != nil {
		return ResolveResult{}, mapStorageErr(err, "resolve contradiction")
	}
	if !c.Open() {
		return ResolveResult{Contradiction: c, WinnerID: c.Resolution.WinnerID, Strategy: c.Resolution.Strategy}, nil
	}

	a, errA := e.db.GetMemory(ctx, c.MemoryAID)
	b, errB := e.db.GetMemory(ctx, c.MemoryBID)

	var winner uuid.UUID
	var strategy model.ResolutionStrategy
	switch {
	case explicitWinner != nil:
		if *explicitWinner != c.MemoryAID && *explicitWinner != c.MemoryBID {
			return ResolveResult{}, model.E(model.KindInvalidArgument,
				"winner %s is not part of contradiction %s", *explicitWinner, id)
		}
		winner, strategy = *explicitWinner, model.ResolveManual
	case errA != nil || errB != nil:
		if (errA != nil && !errors.Is(errA, storage.ErrNotFound)) ||
			(errB != nil && !errors.Is(errB, storage.ErrNotFound)) {
			return ResolveResult{}, mapStorageErr(cmp.Or(errA, errB), "resolve contradiction")
		}
		// One side already purged; the survivor wins by default.
		switch {
		case errA == nil:
			winner, strategy = c.MemoryAID, model.ResolveSystem
		case errB == nil:
			winner, strategy = c.MemoryBID, model.ResolveSystem
		default:
			return ResolveResult{}, mapStorageErr(errA, "resolve contradiction")
		}
	default:
		winner, strategy = e.autoResolve(ctx, a, b)
	}

	if strategy == "" {
		return ResolveResult{Contradiction: c, NeedsManual: true}, nil
	}

	resolved, err := e.db.ResolveContradiction(ctx, id, winner, strategy)
	if err != nil {
		return ResolveResult{}, mapStorageErr(err, "resolve contradiction")
	}
	if !resolved {
		// Raced with another resolver; report what stuck.
		c, err = e.db.GetContradiction(ctx, id)
		if err != nil {
			return ResolveResult{}, mapStorageErr(err, "resolve contradiction")
		}
		return ResolveResult{Contradiction: c, WinnerID: c.Resolution.WinnerID, Strategy: c.Resolution.Strategy}, nil
	}

	if err := e.db.InsertAudit(ctx, storage.AuditEntry{
		Kind:      storage.AuditContradictionResolved,
		Actor:     actor,
		MachineID: e.cfg.MachineID,
		Detail: map[string]any{
			"contradiction_id": id.String(),
			"winner_id":        winner.String(),
			"strategy":         string(strategy),
		},
	}); err != nil {
		e.logger.Error("confidence: contradiction resolution audit failed", "id", id, "error", err)
	}

	c.Resolution = &model.Resolution{WinnerID: winner, Strategy: strategy, ResolvedAt: time.Now().UTC()}
	return ResolveResult{Contradiction: c, WinnerID: winner, Strategy: strategy}, nil
}

// ListOpenContradictions returns unresolved contradictions, oldest first.
func (e *Engine) ListOpenContradictions(ctx context.Context, limit int) ([]model.Contradiction, error) {
	out, err := e.db.ListOpenContradictions(ctx, limit)
	if err != nil {
		return nil, mapStorageErr(err, "list open contradictions")
	}
	return out, nil
}

// SweepContradictions auto-resolves what it can across all open
// contradictions. Run on the sweep schedule; returns resolved count.
func (e *Engine) SweepContradictions(ctx context.Context) (int, error) {
	open, err := e.db.ListOpenContradictions(ctx, 500)
	if err != nil {
		return 0, mapStorageErr(err, "sweep contradictions")
	}
	resolved := 0
	for _, c := range open {
		res, err := e.Resolve(ctx, c.ID, nil, "system")
		if err != nil {
			e.logger.Warn("confidence: sweep resolve failed", "id", c.ID, "error", err)
			continue
		}
		if !res.NeedsManual {
			resolved++
		}
	}
	return resolved, nil
}

func (e *Engine) autoResolve(ctx context.Context, a, b model.Memory) (uuid.UUID, model.ResolutionStrategy) {
	// Temporal: a decisively newer memory supersedes.
	gap := a.UpdatedAt.Sub(b.UpdatedAt)
	if gap > temporalGap {
		return a.ID, model.ResolveTemporal
	}
	if -gap > temporalGap {
		return b.ID, model.ResolveTemporal
	}

	// Source trust: a clearly more credible source wins.
	credA := e.sourceCredibility(ctx, a)
	credB := e.sourceCredibility(ctx, b)
	if credA-credB >= trustGap {
		return a.ID, model.ResolveSourceTrust
	}
	if credB-credA >= trustGap {
		return b.ID, model.ResolveSourceTrust
	}

	// Consensus: compare net agreement from votes.
	netA, okA := e.netAgreement(ctx, a.ID)
	netB, okB := e.netAgreement(ctx, b.ID)
	if okA && okB && netA != netB {
		if netA > netB {
			return a.ID, model.ResolveConsensus
		}
		return b.ID, model.ResolveConsensus
	}

	return uuid.Nil, ""
}

func (e *Engine) netAgreement(ctx context.Context, id uuid.UUID) (int, bool) {
	votes, err := e.db.ListVotes(ctx, id)
	if err != nil || len(votes) == 0 {
		return 0, false
	}
	net := 0
	for _, v := range votes {
		switch v.Choice {
		case model.VoteAgree:
			net++
		case model.VoteDisagree:
			net--
		}
	}
	return net, true
}

// strictest returns the more restrictive of two confidentiality levels.
func strictest(a, b model.ConfidentialityLevel) model.ConfidentialityLevel {
	if b.AtLeast(a) {
		return b
	}
	return a
}

// announceContradiction journals and publishes a newly opened contradiction.
// The event inherits the stricter of the pair's confidentiality levels, so a
// confidential member's id never rides to peers the memory itself would not
// reach.
func (e *Engine) announceContradiction(ctx context.Context, c model.Contradiction, level model.ConfidentialityLevel) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	ev := model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventContradiction,
		MemoryID:        c.MemoryAID,
		OriginMachineID: e.cfg.MachineID,
		Payload:         data,
		Confidentiality: level,
		WallClock:       time.Now().UTC(),
	}
	if _, err := e.db.AppendSyncEvent(ctx, ev); err != nil {
		e.logger.Error("confidence: append contradiction event", "error", err)
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("confidence: publish contradiction event", "error", err)
	}
}
