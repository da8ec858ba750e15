package memory_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/bus"
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
		fmt.Fprintf(os.Stderr, "memory_test: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []model.SyncEvent
}

func (r *eventRecorder) record(_ context.Context, ev model.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byKind(kind model.EventKind) []model.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SyncEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine   *memory.Engine
	index    *search.MemoryIndex
	worker   *search.OutboxWorker
	recorder *eventRecorder
}

// drain runs the outbox until the index reflects all committed mutations.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for range 5 {
		env.worker.ProcessBatch(t.Context())
	}
}

func newTestEnv(t *testing.T, mutate func(*memory.Config)) *testEnv {
	t.Helper()
	cfg := memory.Config{
		MachineID:       "test-node",
		DedupEnforced:   true,
		DedupThreshold:  0.90,
		HybridAlpha:     0.7,
		SoftDeleteTTL:   30 * 24 * time.Hour,
		PIIAuditEnabled: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	index := search.NewMemoryIndex()
	provider := &testutil.HashEmbedder{Dims: 16}
	b := bus.NewMemoryBus()
	recorder := &eventRecorder{}
	_, err := b.Subscribe(recorder.record)
	require.NoError(t, err)

	engine := memory.New(testDB, index, provider, b, cfg, testutil.TestLogger())
	worker := search.NewOutboxWorker(testDB, index, provider, testutil.TestLogger(), time.Hour, 64)
	return &testEnv{engine: engine, index: index, worker: worker, recorder: recorder}
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s %s", prefix, uuid.NewString())
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	content := uniqueContent("postgres primary runs on db-1")
	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  content,
		Category: "infrastructure",
		Tags:     []string{"postgres"},
		AgentID:  "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CategoryInfrastructure, m.Category)
	assert.Equal(t, model.HashContent(content), m.ContentHash)
	assert.Equal(t, uint64(1), m.VectorClock.Counter("test-node"))
	assert.Equal(t, model.FormatV1, m.Format)
	assert.Equal(t, model.ConfidentialityNormal, m.Confidentiality)

	got, err := env.engine.Retrieve(ctx, m.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, content, got.Content)

	upserts := env.recorder.byKind(model.EventMemoryUpsert)
	require.NotEmpty(t, upserts)
	assert.Equal(t, m.ID, upserts[len(upserts)-1].MemoryID)
	assert.Equal(t, "test-node", upserts[len(upserts)-1].OriginMachineID)
}

func TestStoreValidation(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, func(c *memory.Config) { c.MaxContentBytes = 64 })

	_, err := env.engine.Store(ctx, memory.StoreRequest{Content: "   "})
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	_, err = env.engine.Store(ctx, memory.StoreRequest{Content: string(long)})
	assert.True(t, model.IsKind(err, model.KindContentTooLarge))

	_, err = env.engine.Store(ctx, memory.StoreRequest{Content: "ok", Confidentiality: "secretish"})
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestStoreDedupEnforced(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	content := uniqueContent("redis cache ttl is five minutes")
	_, err := env.engine.Store(ctx, memory.StoreRequest{Content: content, Category: "patterns"})
	require.NoError(t, err)

	// Hash normalization folds case and surrounding whitespace.
	_, err = env.engine.Store(ctx, memory.StoreRequest{Content: "  " + content + " ", Category: "patterns"})
	assert.True(t, model.IsKind(err, model.KindDuplicateDetected))

	// Same content in another category is not a duplicate.
	_, err = env.engine.Store(ctx, memory.StoreRequest{Content: content, Category: "global"})
	assert.NoError(t, err)
}

func TestPIIReadIsAudited(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:         uniqueContent("oncall phone number"),
		Category:        "security",
		Confidentiality: model.ConfidentialityPII,
	})
	require.NoError(t, err)

	_, err = env.engine.Retrieve(ctx, m.ID, "auditor-agent")
	require.NoError(t, err)

	entries, err := testDB.ListAudit(ctx, storage.AuditPIIRead, 50)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.MemoryID != nil && *e.MemoryID == m.ID {
			found = true
			assert.Equal(t, "auditor-agent", e.Actor)
		}
	}
	assert.True(t, found, "pii read should be audited")
}

func TestPIIConfinedToDesignatedMachines(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, func(c *memory.Config) {
		c.PIIAllowedMachines = []string{"vault-node"}
	})

	_, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:         uniqueContent("customer billing address"),
		Category:        "security",
		Confidentiality: model.ConfidentialityPII,
	})
	assert.True(t, model.IsKind(err, model.KindForbidden))

	// Raising an existing memory to pii is refused on the same grounds.
	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("contact details for the vendor"),
		Category: "security",
	})
	require.NoError(t, err)
	_, err = env.engine.UpdateConfidentiality(ctx, m.ID, model.ConfidentialityPII, "agent-1")
	assert.True(t, model.IsKind(err, model.KindForbidden))
}

func TestUpdateMovesCategory(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("nightly backup runs at 0300"),
		Category: "infrastructure",
	})
	require.NoError(t, err)
	env.drain(t)

	newCat := model.CategoryRunbooks
	updated, err := env.engine.Update(ctx, m.ID, model.MemoryPatch{Category: &newCat}, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.CategoryRunbooks, updated.Category)
	assert.Equal(t, uint64(2), updated.VectorClock.Counter("test-node"))
	env.drain(t)

	present, err := env.index.Exists(ctx, model.CategoryRunbooks, []uuid.UUID{m.ID})
	require.NoError(t, err)
	assert.True(t, present[m.ID])
	present, err = env.index.Exists(ctx, model.CategoryInfrastructure, []uuid.UUID{m.ID})
	require.NoError(t, err)
	assert.Empty(t, present)
}

func TestUpdateConfidentialityRatchet(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("internal deploy credentials location"),
		Category: "security",
	})
	require.NoError(t, err)

	raised, err := env.engine.UpdateConfidentiality(ctx, m.ID, model.ConfidentialityConfidential, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConfidentialityConfidential, raised.Confidentiality)

	// Downgrades are rejected as invalid input, not a permission matter.
	_, err = env.engine.UpdateConfidentiality(ctx, m.ID, model.ConfidentialityNormal, "agent-1")
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))

	entries, err := testDB.ListAudit(ctx, storage.AuditConfidentialityChange, 50)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.MemoryID != nil && *e.MemoryID == m.ID {
			found = true
		}
	}
	assert.True(t, found, "confidentiality change should be audited")
}

func TestSearchModes(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	target, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  "the kafka broker retention window is seven days " + uuid.NewString(),
		Category: "monitoring",
		Tags:     []string{"kafka-search-test"},
	})
	require.NoError(t, err)
	_, err = env.engine.Store(ctx, memory.StoreRequest{
		Content:  "unrelated note about lunch plans " + uuid.NewString(),
		Category: "monitoring",
	})
	require.NoError(t, err)
	env.drain(t)

	// Semantic: the hash embedder maps identical text to identical vectors,
	// so querying with the stored content must rank it first.
	hits, err := env.engine.Search(ctx, memory.SearchRequest{
		Query: target.Content,
		Mode:  model.SearchSemantic,
		Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, target.ID, hits[0].ID)
	assert.NotEmpty(t, hits[0].Snippet)

	// Lexical.
	hits, err = env.engine.Search(ctx, memory.SearchRequest{
		Query: "kafka retention",
		Mode:  model.SearchLexical,
		Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, target.ID, hits[0].ID)

	// Hybrid mixes both and still ranks the target first.
	hits, err = env.engine.Search(ctx, memory.SearchRequest{
		Query: target.Content,
		Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, target.ID, hits[0].ID)

	_, err = env.engine.Search(ctx, memory.SearchRequest{Query: "x", Mode: "psychic"})
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

func TestDeleteRecoverLifecycle(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("decommissioned the staging cluster"),
		Category: "deployments",
	})
	require.NoError(t, err)
	env.drain(t)

	require.NoError(t, env.engine.Delete(ctx, m.ID, "agent-1", "obsolete"))
	env.drain(t)

	softEvents := env.recorder.byKind(model.EventMemorySoftDelete)
	require.NotEmpty(t, softEvents)
	last := softEvents[len(softEvents)-1]
	assert.Equal(t, m.ID, last.MemoryID)
	require.NotNil(t, last.DeleteExpiresAt)
	assert.Equal(t, uint64(2), last.ClockSnapshot.Counter("test-node"))

	present, err := env.index.Exists(ctx, model.CategoryDeployments, []uuid.UUID{m.ID})
	require.NoError(t, err)
	assert.Empty(t, present, "deleted memory must leave the index")

	// Double delete is NotFound.
	err = env.engine.Delete(ctx, m.ID, "agent-1", "again")
	assert.True(t, model.IsKind(err, model.KindNotFound))

	recovered, err := env.engine.Recover(ctx, m.ID, "agent-1")
	require.NoError(t, err)
	assert.True(t, recovered.Live())
	assert.Equal(t, uint64(3), recovered.VectorClock.Counter("test-node"))
	env.drain(t)

	present, err = env.index.Exists(ctx, model.CategoryDeployments, []uuid.UUID{m.ID})
	require.NoError(t, err)
	assert.True(t, present[m.ID], "recovered memory must return to the index")
}

func TestHardDeleteRequiresConfirm(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("wrong secret pasted by accident"),
		Category: "security",
	})
	require.NoError(t, err)

	err = env.engine.HardDelete(ctx, m.ID, "agent-1", "leaked", false)
	assert.True(t, model.IsKind(err, model.KindConfirmationRequired))

	require.NoError(t, env.engine.HardDelete(ctx, m.ID, "agent-1", "leaked", true))

	_, err = env.engine.Retrieve(ctx, m.ID, "agent-1")
	assert.True(t, model.IsKind(err, model.KindNotFound))

	// A tombstone outlives the row.
	ts, err := testDB.GetTombstone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, ts.MemoryID)

	hardEvents := env.recorder.byKind(model.EventMemoryHardDelete)
	require.NotEmpty(t, hardEvents)
	assert.Equal(t, m.ID, hardEvents[len(hardEvents)-1].MemoryID)
}

func TestBulkDeleteConfirmGate(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	tag := "bulk-" + uuid.NewString()
	for i := range 3 {
		_, err := env.engine.Store(ctx, memory.StoreRequest{
			Content:  uniqueContent(fmt.Sprintf("bulk target %d", i)),
			Category: "conversation",
			Tags:     []string{tag},
		})
		require.NoError(t, err)
	}

	filters := model.SearchFilters{Tags: []string{tag}}
	res, err := env.engine.BulkDelete(ctx, filters, "agent-1", "cleanup", false)
	assert.True(t, model.IsKind(err, model.KindConfirmationRequired))
	assert.Equal(t, 3, res.Matched)

	res, err = env.engine.BulkDelete(ctx, filters, "agent-1", "cleanup", true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)

	remaining, err := env.engine.Recent(ctx, filters, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDetectAndMergeDuplicates(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, func(c *memory.Config) { c.DedupEnforced = false })

	content := uniqueContent("grafana admin lives behind the vpn")
	first, err := env.engine.Store(ctx, memory.StoreRequest{
		Content: content, Category: "review_history", Tags: []string{"grafana"},
	})
	require.NoError(t, err)
	second, err := env.engine.Store(ctx, memory.StoreRequest{
		Content: content, Category: "review_history", Tags: []string{"vpn"},
	})
	require.NoError(t, err)
	env.drain(t)

	pairs, err := env.engine.DetectDuplicates(ctx, model.CategoryReviewHistory, 0.90)
	require.NoError(t, err)
	var exact *memory.DuplicatePair
	for i := range pairs {
		if pairs[i].KeepID == first.ID && pairs[i].DuplicateID == second.ID {
			exact = &pairs[i]
		}
	}
	require.NotNil(t, exact, "exact duplicate pair should be detected")
	assert.True(t, exact.Exact)
	assert.InDelta(t, 1.0, exact.Score, 1e-9)

	merged, err := env.engine.MergeDuplicates(ctx, first.ID, []uuid.UUID{second.ID}, "agent-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"grafana", "vpn"}, merged.Tags)

	dup, err := env.engine.Retrieve(ctx, second.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeletionSoftDeleted, dup.DeletionState)
	assert.Contains(t, dup.DeleteReason, first.ID.String())

	_, err = env.engine.MergeDuplicates(ctx, first.ID, []uuid.UUID{first.ID}, "agent-1")
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))
}

// fixedScorer assigns predetermined confidence scores by memory id.
type fixedScorer struct{ scores map[uuid.UUID]float64 }

func (s fixedScorer) Score(_ context.Context, m model.Memory) (float64, error) {
	return s.scores[m.ID], nil
}

func TestPickKeeperStrategies(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, func(c *memory.Config) { c.DedupEnforced = false })

	store := func(tag string) model.Memory {
		m, err := env.engine.Store(ctx, memory.StoreRequest{
			Content: uniqueContent("haproxy fronts the api tier"), Category: "infrastructure", Tags: []string{tag},
		})
		require.NoError(t, err)
		// Creation order must be visible in the timestamps.
		time.Sleep(2 * time.Millisecond)
		return m
	}
	oldest := store("first")
	middle := store("second")
	newest := store("third")
	ids := []uuid.UUID{oldest.ID, middle.ID, newest.ID}

	keep, err := env.engine.PickKeeper(ctx, ids, memory.KeepOldest)
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, keep)

	keep, err = env.engine.PickKeeper(ctx, ids, memory.KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, newest.ID, keep)

	env.engine.SetScorer(fixedScorer{scores: map[uuid.UUID]float64{
		oldest.ID: 0.3, middle.ID: 0.9, newest.ID: 0.5,
	}})
	keep, err = env.engine.PickKeeper(ctx, ids, memory.KeepHighestConfidence)
	require.NoError(t, err)
	assert.Equal(t, middle.ID, keep)

	_, err = env.engine.PickKeeper(ctx, ids, "best")
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))

	_, err = env.engine.PickKeeper(ctx, ids[:1], memory.KeepOldest)
	assert.True(t, model.IsKind(err, model.KindInvalidArgument))

	// Deleted members are skipped, never chosen.
	require.NoError(t, env.engine.Delete(ctx, newest.ID, "agent-1", "stale"))
	keep, err = env.engine.PickKeeper(ctx, ids, memory.KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, middle.ID, keep)
}

func TestCleanupExpired(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, func(c *memory.Config) { c.SoftDeleteTTL = time.Nanosecond })

	m, err := env.engine.Store(ctx, memory.StoreRequest{
		Content:  uniqueContent("expired almost immediately"),
		Category: "other",
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.Delete(ctx, m.ID, "agent-1", "ttl test"))
	time.Sleep(10 * time.Millisecond)

	purged, err := env.engine.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, 1)

	_, err = env.engine.Retrieve(ctx, m.ID, "agent-1")
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestGDPRDeleteAndExport(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, nil)

	userID := "user-" + uuid.NewString()
	for i := range 2 {
		_, err := env.engine.Store(ctx, memory.StoreRequest{
			Content:  uniqueContent(fmt.Sprintf("note %d for the data subject", i)),
			Category: "conversation",
			UserID:   userID,
		})
		require.NoError(t, err)
	}

	exported, err := env.engine.GDPRExport(ctx, userID, "dpo")
	require.NoError(t, err)
	assert.Len(t, exported, 2)

	_, err = env.engine.GDPRDelete(ctx, userID, "dpo", false)
	assert.True(t, model.IsKind(err, model.KindConfirmationRequired))

	deleted, err := env.engine.GDPRDelete(ctx, userID, "dpo", true)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	exported, err = env.engine.GDPRExport(ctx, userID, "dpo")
	require.NoError(t, err)
	assert.Empty(t, exported)
}
