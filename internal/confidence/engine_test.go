package confidence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "confidence_test: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// pinnedEmbedder returns fixed vectors for chosen texts so similarity is
// under test control, hashing everything else.
type pinnedEmbedder struct {
	pins map[string][]float32
	fall testutil.HashEmbedder
}

func newPinnedEmbedder(dims int) *pinnedEmbedder {
	return &pinnedEmbedder{pins: map[string][]float32{}, fall: testutil.HashEmbedder{Dims: dims}}
}

func (p *pinnedEmbedder) pin(text string, vec []float32) { p.pins[text] = vec }

func (p *pinnedEmbedder) Dimensions() int { return p.fall.Dims }

func (p *pinnedEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if v, ok := p.pins[text]; ok {
		return pgvector.NewVector(v), nil
	}
	return p.fall.Embed(ctx, text)
}

func (p *pinnedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type testEnv struct {
	mem      *memory.Engine
	conf     *confidence.Engine
	index    *search.MemoryIndex
	provider *pinnedEmbedder
	worker   *search.OutboxWorker
	bus      *bus.MemoryBus
}

func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for range 5 {
		env.worker.ProcessBatch(t.Context())
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	index := search.NewMemoryIndex()
	provider := newPinnedEmbedder(16)
	b := bus.NewMemoryBus()
	logger := testutil.TestLogger()

	mem := memory.New(testDB, index, provider, b, memory.Config{
		MachineID:     "conf-node",
		DedupEnforced: false,
	}, logger)
	conf := confidence.New(testDB, index, provider, mem, b, confidence.Config{
		MachineID:    "conf-node",
		Weights:      model.DefaultConfidenceWeights(),
		HalfLifeDays: map[model.Category]float64{model.CategoryInfrastructure: 30},
	}, logger)
	mem.SetScorer(conf)

	worker := search.NewOutboxWorker(testDB, index, provider, logger, time.Hour, 64)
	return &testEnv{mem: mem, conf: conf, index: index, provider: provider, worker: worker, bus: b}
}

func storeMemory(t *testing.T, env *testEnv, agentID, content string) model.Memory {
	t.Helper()
	m, err := env.mem.Store(t.Context(), memory.StoreRequest{
		Content:  content + " " + uuid.NewString(),
		Category: "infrastructure",
		AgentID:  agentID,
	})
	require.NoError(t, err)
	return m
}

func TestVerifyFeedbackLoop(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	author := "author-" + uuid.NewString()
	m := storeMemory(t, env, author, "the bastion host allows key auth only")

	require.NoError(t, env.conf.Verify(ctx, m.ID, "peer-1", model.VerifyConfirmed, "checked", false))
	require.NoError(t, env.conf.Verify(ctx, m.ID, "peer-2", model.VerifyIncorrect, "stale", false))
	// Self verification carries no credibility signal.
	require.NoError(t, env.conf.Verify(ctx, m.ID, author, model.VerifyConfirmed, "", false))

	cred, err := env.conf.GetAgentCredibility(ctx, author)
	require.NoError(t, err)
	rec := cred.ByCategory[model.CategoryInfrastructure]
	assert.Equal(t, 1, rec.VerifiedCorrect)
	assert.Equal(t, 1, rec.VerifiedIncorrect)
	// Laplace smoothed: (1+1)/(2+2).
	assert.InDelta(t, 0.5, rec.Score, 1e-9)

	err = env.conf.Verify(ctx, m.ID, "peer-3", "maybe", "", false)
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestVerifyOutdatedSoftDeletes(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	m := storeMemory(t, env, "author-x", "the old vpn endpoint is vpn1.internal")
	require.NoError(t, env.conf.Verify(ctx, m.ID, "peer-1", model.VerifyOutdated, "replaced by vpn2", false))

	got, err := env.mem.Retrieve(ctx, m.ID, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeletionSoftDeleted, got.DeletionState)
	assert.Equal(t, "verified outdated", got.DeleteReason)
}

func TestScoreAggregation(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	author := "author-" + uuid.NewString()
	m := storeMemory(t, env, author, "loki retains logs for thirty days")

	// Fresh, unverified, unvoted: 0.2*1 + 0.2*0.5 + 0.15*0.3 + 0.15*0 +
	// 0.1*1 + 0.1*0.7 + 0.1*0.7 = 0.585.
	rec, err := env.conf.ScoreMemory(ctx, m.ID, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.585, rec.FinalScore, 0.005)
	assert.InDelta(t, 0.3, rec.Components[model.FactorVerification], 1e-9)
	assert.Zero(t, rec.Components[model.FactorConsensus])

	// Two peer verifications, three independent agree votes, two successes.
	require.NoError(t, env.conf.Verify(ctx, m.ID, "peer-1", model.VerifyConfirmed, "", false))
	require.NoError(t, env.conf.Verify(ctx, m.ID, "peer-2", model.VerifyStillValid, "", false))
	for i, machine := range []string{"m1", "m2", "m3"} {
		require.NoError(t, env.conf.Vote(ctx, model.Vote{
			MemoryID:       m.ID,
			VoterAgentID:   fmt.Sprintf("voter-%d", i),
			VoterMachineID: machine,
			Choice:         model.VoteAgree,
			Confidence:     0.9,
		}))
	}
	for range 2 {
		require.NoError(t, env.conf.ReportUsage(ctx, model.UsageOutcome{
			MemoryID: m.ID, AgentID: "user-agent", Action: "applied", Outcome: model.OutcomeSuccess,
		}))
	}

	// 0.2*~1 + 0.2*0.75 + 0.15*0.85 + 0.15*1 + 0.1*1 + 0.1*1 + 0.1*0.7.
	rec, err = env.conf.ScoreMemory(ctx, m.ID, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8975, rec.FinalScore, 0.005)
	assert.InDelta(t, 0.85, rec.Components[model.FactorVerification], 1e-9)
	assert.InDelta(t, 1.0, rec.Components[model.FactorConsensus], 1e-9)
	assert.InDelta(t, 1.0, rec.Components[model.FactorUsageSuccess], 1e-9)
	assert.InDelta(t, 0.75, rec.Components[model.FactorSourceCred], 1e-9)
}

func TestScoreWithQueryContext(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	m, err := env.mem.Store(ctx, memory.StoreRequest{
		Content:   "the artifact registry lives at registry.internal " + uuid.NewString(),
		Category:  "infrastructure",
		ProjectID: "platform",
	})
	require.NoError(t, err)

	// Same query text embeds to the same vector, cosine 1: relevance is
	// 0.5*1 + 0.25 (project match) + 0 (machine mismatch).
	rec, err := env.conf.ScoreMemory(ctx, m.ID, &confidence.QueryContext{
		Query:     m.Content,
		ProjectID: "platform",
		MachineID: "some-other-node",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rec.Components[model.FactorContextRelevance], 1e-6)
}

func TestSearchHighConfidence(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	weak := storeMemory(t, env, "author-w", "etcd quorum needs three nodes kumquat")
	strong := storeMemory(t, env, "author-s", "etcd quorum needs three nodes kumquat indeed")
	require.NoError(t, env.conf.Verify(ctx, strong.ID, "peer-1", model.VerifyConfirmed, "", false))
	require.NoError(t, env.conf.Verify(ctx, strong.ID, "peer-2", model.VerifyConfirmed, "", false))
	for i, machine := range []string{"m1", "m2", "m3"} {
		require.NoError(t, env.conf.Vote(ctx, model.Vote{
			MemoryID: strong.ID, VoterAgentID: fmt.Sprintf("hc-voter-%d", i),
			VoterMachineID: machine, Choice: model.VoteAgree, Confidence: 1,
		}))
	}
	env.drain(t)

	hits, err := env.conf.SearchHighConfidence(ctx, "etcd quorum kumquat", 0.7, model.SearchFilters{}, 10)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	assert.Contains(t, ids, strong.ID)
	assert.NotContains(t, ids, weak.ID)

	_, err = env.conf.SearchHighConfidence(ctx, "x", 1.5, model.SearchFilters{}, 10)
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestDetectContradictions(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	contentA := "the billing worker is running " + uuid.NewString()
	contentB := "the billing worker is stopped " + uuid.NewString()
	// Pin both to the same vector so the similarity gate passes.
	same := make([]float32, 16)
	same[0] = 1
	env.provider.pin(contentA, same)
	env.provider.pin(contentB, same)

	a, err := env.mem.Store(ctx, memory.StoreRequest{Content: contentA, Category: "monitoring"})
	require.NoError(t, err)
	b, err := env.mem.Store(ctx, memory.StoreRequest{Content: contentB, Category: "monitoring"})
	require.NoError(t, err)
	env.drain(t)

	opened, err := env.conf.DetectContradictions(ctx, model.CategoryMonitoring)
	require.NoError(t, err)
	require.Len(t, opened, 1)
	c := opened[0]
	assert.Equal(t, model.ContradictionMutualExclusion, c.Kind)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, []uuid.UUID{c.MemoryAID, c.MemoryBID})

	// A second pass opens nothing new.
	opened, err = env.conf.DetectContradictions(ctx, model.CategoryMonitoring)
	require.NoError(t, err)
	for _, o := range opened {
		assert.False(t,
			(o.MemoryAID == c.MemoryAID && o.MemoryBID == c.MemoryBID),
			"existing contradiction must not reopen")
	}

	// The open contradiction drags the no-contradiction factor down.
	rec, err := env.conf.ScoreMemory(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, rec.Components[model.FactorNoContradiction], 1e-9)
}

func TestContradictionEventInheritsConfidentiality(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	var events []model.SyncEvent
	unsub, err := env.bus.Subscribe(func(_ context.Context, ev model.SyncEvent) {
		if ev.Kind == model.EventContradiction {
			events = append(events, ev)
		}
	})
	require.NoError(t, err)
	defer unsub()

	contentA := "the audit webhook is enabled " + uuid.NewString()
	contentB := "the audit webhook is disabled " + uuid.NewString()
	same := make([]float32, 16)
	same[1] = 1
	env.provider.pin(contentA, same)
	env.provider.pin(contentB, same)

	_, err = env.mem.Store(ctx, memory.StoreRequest{Content: contentA, Category: "security"})
	require.NoError(t, err)
	_, err = env.mem.Store(ctx, memory.StoreRequest{
		Content: contentB, Category: "security",
		Confidentiality: model.ConfidentialityConfidential,
	})
	require.NoError(t, err)
	env.drain(t)

	opened, err := env.conf.DetectContradictions(ctx, model.CategorySecurity)
	require.NoError(t, err)
	require.Len(t, opened, 1)

	// The announcement carries the stricter member's level, so the pair's
	// ids are filtered from replication exactly like the memory itself.
	require.Len(t, events, 1)
	assert.Equal(t, model.ConfidentialityConfidential, events[0].Confidentiality)
	assert.False(t, events[0].Outbound(true))
}

func insertAgedMemory(t *testing.T, content string, agentID string, age time.Duration) model.Memory {
	t.Helper()
	ts := time.Now().UTC().Add(-age).Truncate(time.Microsecond)
	m := model.Memory{
		ID:              uuid.New(),
		Content:         content,
		ContentHash:     model.HashContent(content),
		Category:        model.CategoryIncidents,
		MachineID:       "conf-node",
		SourceAgentID:   agentID,
		VectorClock:     clock.VectorClock{"conf-node": 1},
		Confidentiality: model.ConfidentialityNormal,
		Format:          model.FormatV1,
		DeletionState:   model.DeletionLive,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	require.NoError(t, testDB.InsertMemory(t.Context(), m))
	return m
}

func mustInsertContradiction(t *testing.T, ctx context.Context, c model.Contradiction) {
	t.Helper()
	inserted, err := testDB.InsertContradiction(ctx, c)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestResolveStrategies(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	t.Run("temporal", func(t *testing.T) {
		older := insertAgedMemory(t, "incident 14 root cause was dns "+uuid.NewString(), "agent-t1", 90*24*time.Hour)
		newer := insertAgedMemory(t, "incident 14 root cause was bgp "+uuid.NewString(), "agent-t2", time.Hour)
		c := model.Contradiction{
			ID: uuid.New(), MemoryAID: older.ID, MemoryBID: newer.ID,
			Kind: model.ContradictionFactual, Severity: 0.6, DetectedAt: time.Now().UTC(),
		}
		mustInsertContradiction(t, ctx, c)

		res, err := env.conf.Resolve(ctx, c.ID, nil, "system")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, res.WinnerID)
		assert.Equal(t, model.ResolveTemporal, res.Strategy)
	})

	t.Run("source trust", func(t *testing.T) {
		trusted := "trusted-" + uuid.NewString()
		for range 4 {
			require.NoError(t, testDB.RecordCredibilitySample(ctx, trusted, model.CategoryIncidents, true))
		}
		a := insertAgedMemory(t, "gateway timeout threshold is 30 "+uuid.NewString(), trusted, time.Hour)
		b := insertAgedMemory(t, "gateway timeout threshold is 60 "+uuid.NewString(), "novice-"+uuid.NewString(), 2*time.Hour)
		c := model.Contradiction{
			ID: uuid.New(), MemoryAID: a.ID, MemoryBID: b.ID,
			Kind: model.ContradictionFactual, Severity: 0.6, DetectedAt: time.Now().UTC(),
		}
		mustInsertContradiction(t, ctx, c)

		res, err := env.conf.Resolve(ctx, c.ID, nil, "system")
		require.NoError(t, err)
		assert.Equal(t, a.ID, res.WinnerID)
		assert.Equal(t, model.ResolveSourceTrust, res.Strategy)
	})

	t.Run("manual fallback and explicit winner", func(t *testing.T) {
		a := insertAgedMemory(t, "runbook says restart first "+uuid.NewString(), "agent-m1", time.Hour)
		b := insertAgedMemory(t, "runbook says drain first "+uuid.NewString(), "agent-m2", 2*time.Hour)
		c := model.Contradiction{
			ID: uuid.New(), MemoryAID: a.ID, MemoryBID: b.ID,
			Kind: model.ContradictionMutualExclusion, Severity: 0.7, DetectedAt: time.Now().UTC(),
		}
		mustInsertContradiction(t, ctx, c)

		res, err := env.conf.Resolve(ctx, c.ID, nil, "system")
		require.NoError(t, err)
		assert.True(t, res.NeedsManual)

		res, err = env.conf.Resolve(ctx, c.ID, &b.ID, "operator")
		require.NoError(t, err)
		assert.Equal(t, b.ID, res.WinnerID)
		assert.Equal(t, model.ResolveManual, res.Strategy)

		// Resolution is append-only: a second resolve reports the winner.
		res, err = env.conf.Resolve(ctx, c.ID, &a.ID, "operator")
		require.NoError(t, err)
		assert.Equal(t, b.ID, res.WinnerID)
	})
}
