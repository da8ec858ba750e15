package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/testutil"
)

// testDB is shared by all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func newTestMemory(content string) model.Memory {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Memory{
		ID:              uuid.New(),
		Content:         content,
		ContentHash:     model.HashContent(content),
		Category:        model.CategoryInfrastructure,
		Tags:            []string{"test"},
		MachineID:       "m1",
		SourceAgentID:   "agent-1",
		VectorClock:     clock.VectorClock{"m1": 1},
		Confidentiality: model.ConfidentialityNormal,
		Format:          model.FormatV1,
		DeletionState:   model.DeletionLive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory("elasticsearch cluster lives on host db-7")

	require.NoError(t, testDB.InsertMemory(ctx, m))

	got, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, clock.VectorClock{"m1": 1}, got.VectorClock)
	assert.Equal(t, model.DeletionLive, got.DeletionState)

	// Exact-hash dedup lookup sees the live row.
	dupes, err := testDB.GetLiveByHash(ctx, m.ContentHash, m.Category)
	require.NoError(t, err)
	require.Len(t, dupes, 1)

	// Soft delete hides it from hash lookup but keeps the row recoverable.
	expires := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, testDB.SoftDeleteMemory(ctx, m.ID, "agent-1", "stale", expires, clock.VectorClock{"m1": 2}))

	dupes, err = testDB.GetLiveByHash(ctx, m.ContentHash, m.Category)
	require.NoError(t, err)
	assert.Empty(t, dupes)

	deleted, err := testDB.ListSoftDeleted(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, deleted)

	recovered, err := testDB.RecoverMemory(ctx, m.ID, clock.VectorClock{"m1": 3})
	require.NoError(t, err)
	assert.Equal(t, model.DeletionLive, recovered.DeletionState)
	assert.Nil(t, recovered.DeleteExpiresAt)

	// Hard delete removes the row and leaves a tombstone.
	audit := storage.AuditEntry{Kind: storage.AuditHardDelete, Actor: "agent-1", MachineID: "m1"}
	require.NoError(t, testDB.HardDeleteMemory(ctx, m.ID, time.Now().Add(7*24*time.Hour), audit))

	_, err = testDB.GetMemory(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ts, err := testDB.GetTombstone(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{"m1": 3}, ts.VectorClock)

	entries, err := testDB.ListAudit(ctx, storage.AuditHardDelete, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "agent-1", entries[0].Actor)
}

func TestRecoverExpiredWindowFails(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory("short lived note")
	require.NoError(t, testDB.InsertMemory(ctx, m))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, testDB.SoftDeleteMemory(ctx, m.ID, "a", "", past, m.VectorClock))

	_, err := testDB.RecoverMemory(ctx, m.ID, m.VectorClock)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids, err := testDB.ExpiredSoftDeletes(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Contains(t, ids, m.ID)
}

func TestLexicalSearch(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory("the grafana dashboard for postgres replication lag is dashboard 42")
	require.NoError(t, testDB.InsertMemory(ctx, m))

	hits, err := testDB.LexicalSearch(ctx, "grafana replication lag", model.SearchFilters{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, m.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Less(t, hits[0].Score, 1.0)
}

func TestJournalAndCheckpoints(t *testing.T) {
	ctx := context.Background()

	ev := model.SyncEvent{
		Kind:            model.EventMemoryUpsert,
		MemoryID:        uuid.New(),
		OriginMachineID: "m1",
		ClockSnapshot:   clock.VectorClock{"m1": 1},
		Confidentiality: model.ConfidentialityNormal,
		WallClock:       time.Now().UTC(),
	}
	seq1, err := testDB.AppendSyncEvent(ctx, ev)
	require.NoError(t, err)

	// pii events are journaled but never served to peers.
	piiEv := ev
	piiEv.MemoryID = uuid.New()
	piiEv.Confidentiality = model.ConfidentialityPII
	_, err = testDB.AppendSyncEvent(ctx, piiEv)
	require.NoError(t, err)

	entries, err := testDB.EventsSince(ctx, seq1-1, 100)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, model.ConfidentialityPII, e.Event.Confidentiality)
	}
	require.NotEmpty(t, entries)
	assert.Equal(t, seq1, entries[0].Seq)

	require.NoError(t, testDB.SetPeerCheckpoint(ctx, "peer-a", seq1))
	got, err := testDB.GetPeerCheckpoint(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, seq1, got)

	// Checkpoints never move backwards.
	require.NoError(t, testDB.SetPeerCheckpoint(ctx, "peer-a", seq1-5))
	got, err = testDB.GetPeerCheckpoint(ctx, "peer-a")
	require.NoError(t, err)
	assert.Equal(t, seq1, got)
}

func TestMarkEventProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	key := "mem@{m1:7}-" + uuid.NewString()

	first, err := testDB.MarkEventProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := testDB.MarkEventProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestVectorOutboxClaimFailComplete(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory("outbox roundtrip memory")
	require.NoError(t, testDB.InsertMemory(ctx, m))

	ops, err := testDB.ClaimVectorOps(ctx, 100, 60)
	require.NoError(t, err)

	var mine *storage.VectorOp
	for i := range ops {
		if ops[i].MemoryID == m.ID {
			mine = &ops[i]
		}
	}
	require.NotNil(t, mine, "insert must enqueue an upsert")
	assert.Equal(t, "upsert", mine.Op)

	// A second claim must not return locked entries.
	again, err := testDB.ClaimVectorOps(ctx, 100, 60)
	require.NoError(t, err)
	for _, op := range again {
		assert.NotEqual(t, mine.ID, op.ID)
	}

	require.NoError(t, testDB.FailVectorOps(ctx, []int64{mine.ID}, "qdrant unavailable"))
	require.NoError(t, testDB.CompleteVectorOps(ctx, []int64{mine.ID}))
}

func TestAgentsAndCredibility(t *testing.T) {
	ctx := context.Background()

	a := model.Agent{
		AgentID:      "roster-agent",
		MachineID:    "m2",
		Role:         "monitor",
		Capabilities: []string{"monitoring", "elasticsearch"},
	}
	_, err := testDB.UpsertAgent(ctx, a)
	require.NoError(t, err)

	got, err := testDB.GetAgent(ctx, "roster-agent")
	require.NoError(t, err)
	assert.Equal(t, model.AgentActive, got.Status)

	matches, err := testDB.ListAgents(ctx, model.RosterFilter{Capability: "monitoring"})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	require.NoError(t, testDB.RecordCredibilitySample(ctx, "roster-agent", model.CategoryMonitoring, true))
	require.NoError(t, testDB.RecordCredibilitySample(ctx, "roster-agent", model.CategoryMonitoring, true))
	require.NoError(t, testDB.RecordCredibilitySample(ctx, "roster-agent", model.CategoryMonitoring, false))

	cred, err := testDB.GetCredibility(ctx, "roster-agent")
	require.NoError(t, err)
	rec := cred[model.CategoryMonitoring]
	assert.Equal(t, 2, rec.VerifiedCorrect)
	assert.Equal(t, 1, rec.VerifiedIncorrect)
	assert.InDelta(t, 0.6, rec.Score, 1e-9) // (2+1)/(3+2)
}

func TestTaskTransitionIsOptimistic(t *testing.T) {
	ctx := context.Background()

	task, err := testDB.CreateTask(ctx, model.Task{
		Description: "restart indexer",
		Priority:    model.PriorityHigh,
		Status:      model.TaskPending,
		CreatedBy:   "agent-1",
	})
	require.NoError(t, err)

	assignee := "roster-agent"
	_, err = testDB.TransitionTask(ctx, task.TaskID, model.TaskPending, model.TaskAssigned, &assignee, nil)
	require.NoError(t, err)

	// A stale writer still at pending loses.
	_, err = testDB.TransitionTask(ctx, task.TaskID, model.TaskPending, model.TaskAssigned, &assignee, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConfidenceEvidenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory("nginx fronts the api pods")
	require.NoError(t, testDB.InsertMemory(ctx, m))

	require.NoError(t, testDB.InsertVerification(ctx, model.Verification{
		MemoryID: m.ID, VerifierAgentID: "v1", Kind: model.VerifyConfirmed,
	}))
	require.NoError(t, testDB.UpsertVote(ctx, model.Vote{
		MemoryID: m.ID, VoterAgentID: "v1", Choice: model.VoteAgree, Confidence: 0.9,
	}))
	// Revote overwrites.
	require.NoError(t, testDB.UpsertVote(ctx, model.Vote{
		MemoryID: m.ID, VoterAgentID: "v1", Choice: model.VoteDisagree, Confidence: 0.4,
	}))
	require.NoError(t, testDB.InsertUsageOutcome(ctx, model.UsageOutcome{
		MemoryID: m.ID, AgentID: "v1", Outcome: model.OutcomeSuccess,
	}))

	ev, err := testDB.LoadConfidenceEvidence(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, ev.Verifications, 1)
	require.Len(t, ev.Votes, 1)
	assert.Equal(t, model.VoteDisagree, ev.Votes[0].Choice)
	assert.Len(t, ev.Usage, 1)
	assert.Zero(t, ev.OpenContradictions)
}

func TestContradictionResolveOnce(t *testing.T) {
	ctx := context.Background()
	a, b := newTestMemory("port is 9200"), newTestMemory("port is 9300")
	require.NoError(t, testDB.InsertMemory(ctx, a))
	require.NoError(t, testDB.InsertMemory(ctx, b))

	c := model.Contradiction{
		ID: uuid.New(), MemoryAID: a.ID, MemoryBID: b.ID,
		Kind: model.ContradictionFactual, Severity: 0.8,
	}
	inserted, err := testDB.InsertContradiction(ctx, c)
	require.NoError(t, err)
	assert.True(t, inserted)
	// Re-detection of the same pair is a no-op.
	inserted, err = testDB.InsertContradiction(ctx, c)
	require.NoError(t, err)
	assert.False(t, inserted)

	did, err := testDB.ResolveContradiction(ctx, c.ID, a.ID, model.ResolveTemporal)
	require.NoError(t, err)
	assert.True(t, did)

	// Resolution is append-only.
	did, err = testDB.ResolveContradiction(ctx, c.ID, b.ID, model.ResolveManual)
	require.NoError(t, err)
	assert.False(t, did)

	got, err := testDB.GetContradiction(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, a.ID, got.Resolution.WinnerID)
	assert.Equal(t, model.ResolveTemporal, got.Resolution.Strategy)
}
