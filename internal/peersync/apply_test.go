package peersync_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/clock"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/peersync"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/testutil"
)

const (
	localNode  = "node-local"
	remoteNode = "node-remote"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func newApplier(t *testing.T) (*peersync.Applier, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	a := peersync.NewApplier(testDB, b, peersync.ApplyConfig{
		MachineID:      localNode,
		TombstoneGrace: 7 * 24 * time.Hour,
	}, testutil.TestLogger())
	return a, b
}

func remoteMemory(content string, vc clock.VectorClock) model.Memory {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Memory{
		ID:              uuid.New(),
		Content:         content,
		ContentHash:     model.HashContent(content),
		Category:        model.CategoryInfrastructure,
		MachineID:       remoteNode,
		SourceAgentID:   "remote-agent",
		VectorClock:     vc,
		Confidentiality: model.ConfidentialityNormal,
		Format:          model.FormatV1,
		DeletionState:   model.DeletionLive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func upsertEvent(t *testing.T, m model.Memory) model.SyncEvent {
	t.Helper()
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return model.SyncEvent{
		EventID:         uuid.New(),
		Kind:            model.EventMemoryUpsert,
		MemoryID:        m.ID,
		OriginMachineID: remoteNode,
		Payload:         payload,
		ClockSnapshot:   m.VectorClock.Clone(),
		Confidentiality: m.Confidentiality,
		WallClock:       m.UpdatedAt,
	}
}

func TestApplyUpsertInsertsUnknownMemory(t *testing.T) {
	ctx := t.Context()
	a, b := newApplier(t)

	var republished []model.SyncEvent
	unsub, err := b.Subscribe(func(_ context.Context, ev model.SyncEvent) {
		republished = append(republished, ev)
	})
	require.NoError(t, err)
	defer unsub()

	m := remoteMemory("grafana runs on port 3000 "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	status, err := a.Apply(ctx, upsertEvent(t, m))
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	got, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, remoteNode, got.MachineID)
	require.Len(t, republished, 1, "applied remote events surface on the local bus")
	assert.Equal(t, model.EventMemoryUpsert, republished[0].Kind)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	m := remoteMemory("redis maxmemory 2gb "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	ev := upsertEvent(t, m)

	status, err := a.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	status, err = a.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PushDuplicate, status)
}

func TestApplyIgnoresOwnEvents(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	m := remoteMemory("own event reflected back "+uuid.NewString(), clock.VectorClock{localNode: 1})
	ev := upsertEvent(t, m)
	ev.OriginMachineID = localNode

	status, err := a.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PushDuplicate, status)

	_, err = testDB.GetMemory(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyUpsertDominatingClockWins(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	m := remoteMemory("api timeout is 10s "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	_, err := a.Apply(ctx, upsertEvent(t, m))
	require.NoError(t, err)

	// An older clock arriving late is ignored.
	stale := m
	stale.Content = "api timeout is 5s"
	stale.VectorClock = clock.VectorClock{}
	status, err := a.Apply(ctx, upsertEvent(t, stale))
	require.NoError(t, err)
	assert.Equal(t, model.PushDuplicate, status)

	// A dominating clock applies.
	newer := m
	newer.Content = "api timeout is 30s"
	newer.ContentHash = model.HashContent(newer.Content)
	newer.VectorClock = clock.VectorClock{remoteNode: 2}
	newer.UpdatedAt = m.UpdatedAt.Add(time.Minute)
	status, err = a.Apply(ctx, upsertEvent(t, newer))
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	got, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "api timeout is 30s", got.Content)
}

func TestApplySoftDeleteConflict(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	deleteEvent := func(id uuid.UUID, wall time.Time) model.SyncEvent {
		expires := wall.Add(30 * 24 * time.Hour)
		return model.SyncEvent{
			Kind:            model.EventMemorySoftDelete,
			MemoryID:        id,
			OriginMachineID: remoteNode,
			ClockSnapshot:   clock.VectorClock{remoteNode: 2},
			Confidentiality: model.ConfidentialityNormal,
			WallClock:       wall,
			DeleteExpiresAt: &expires,
		}
	}

	t.Run("deletion wins over older concurrent edit", func(t *testing.T) {
		local := remoteMemory("cron runs nightly "+uuid.NewString(), clock.VectorClock{localNode: 1})
		local.MachineID = localNode
		local.UpdatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, testDB.InsertMemory(ctx, local))

		status, err := a.Apply(ctx, deleteEvent(local.ID, time.Now().UTC()))
		require.NoError(t, err)
		assert.Equal(t, model.PushConflict, status)

		got, err := testDB.GetMemory(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeletionSoftDeleted, got.DeletionState)
		// Merged clock covers both sides.
		assert.Equal(t, uint64(1), got.VectorClock.Counter(localNode))
		assert.Equal(t, uint64(2), got.VectorClock.Counter(remoteNode))
	})

	t.Run("strictly newer edit survives concurrent deletion", func(t *testing.T) {
		local := remoteMemory("queue depth alert at 10k "+uuid.NewString(), clock.VectorClock{localNode: 1})
		local.MachineID = localNode
		local.UpdatedAt = time.Now().UTC()
		require.NoError(t, testDB.InsertMemory(ctx, local))

		status, err := a.Apply(ctx, deleteEvent(local.ID, time.Now().UTC().Add(-time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, model.PushConflict, status)

		got, err := testDB.GetMemory(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeletionLive, got.DeletionState)
		assert.Equal(t, uint64(2), got.VectorClock.Counter(remoteNode))
	})
}

func TestApplyHardDeleteTombstoneSuppression(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	id := uuid.New()
	purge := model.SyncEvent{
		Kind:            model.EventMemoryHardDelete,
		MemoryID:        id,
		OriginMachineID: remoteNode,
		ClockSnapshot:   clock.VectorClock{remoteNode: 3},
		Confidentiality: model.ConfidentialityNormal,
		WallClock:       time.Now().UTC(),
	}
	status, err := a.Apply(ctx, purge)
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	// A concurrent straggler update is suppressed by the tombstone.
	straggler := remoteMemory("resurrection attempt "+uuid.NewString(), clock.VectorClock{"node-third": 1})
	straggler.ID = id
	status, err = a.Apply(ctx, upsertEvent(t, straggler))
	require.NoError(t, err)
	assert.Equal(t, model.PushConflict, status)
	_, err = testDB.GetMemory(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A write that causally followed the purge re-creates the memory.
	recreate := remoteMemory("deliberate recreate "+uuid.NewString(), clock.VectorClock{remoteNode: 4, "node-third": 1})
	recreate.ID = id
	status, err = a.Apply(ctx, upsertEvent(t, recreate))
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	got, err := testDB.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, recreate.Content, got.Content)
}

func TestApplyVerificationAccruesCredibility(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	author := "author-" + uuid.NewString()
	m := remoteMemory("nginx worker_connections 4096 "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	m.SourceAgentID = author
	_, err := a.Apply(ctx, upsertEvent(t, m))
	require.NoError(t, err)

	v := model.Verification{
		MemoryID:        m.ID,
		VerifierAgentID: "verifier-" + uuid.NewString(),
		Kind:            model.VerifyConfirmed,
		VerifiedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	status, err := a.Apply(ctx, model.SyncEvent{
		Kind:            model.EventVerification,
		MemoryID:        m.ID,
		OriginMachineID: remoteNode,
		Payload:         payload,
		ClockSnapshot:   clock.VectorClock{remoteNode: 2},
		WallClock:       time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	verifications, err := testDB.ListVerifications(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, verifications, 1)

	cred, err := testDB.GetCredibility(ctx, author)
	require.NoError(t, err)
	record, ok := cred[model.CategoryInfrastructure]
	require.True(t, ok, "peer verification credits the author locally")
	assert.Equal(t, 1, record.VerifiedCorrect)
}

func TestApplyDistinctFeedbackOnOneMemory(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	m := remoteMemory("postgres wal_level logical "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	_, err := a.Apply(ctx, upsertEvent(t, m))
	require.NoError(t, err)

	// Feedback events carry no clock; only their event ids tell them apart.
	verification := func(verifier string) model.SyncEvent {
		payload, err := json.Marshal(model.Verification{
			MemoryID:        m.ID,
			VerifierAgentID: verifier,
			Kind:            model.VerifyConfirmed,
			VerifiedAt:      time.Now().UTC(),
		})
		require.NoError(t, err)
		return model.SyncEvent{
			EventID:         uuid.New(),
			Kind:            model.EventVerification,
			MemoryID:        m.ID,
			OriginMachineID: remoteNode,
			Payload:         payload,
			WallClock:       time.Now().UTC(),
		}
	}

	status, err := a.Apply(ctx, verification("verifier-a-"+uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	status, err = a.Apply(ctx, verification("verifier-b-"+uuid.NewString()))
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	verifications, err := testDB.ListVerifications(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, verifications, 2, "both verifications land, neither shadows the other")
}

func TestApplyFailureReleasesIdempotencyKey(t *testing.T) {
	ctx := t.Context()
	a, _ := newApplier(t)

	m := remoteMemory("vault sealed after restart "+uuid.NewString(), clock.VectorClock{remoteNode: 1})
	ev := upsertEvent(t, m)

	broken := ev
	broken.Payload = json.RawMessage(`{"truncated":`)
	_, err := a.Apply(ctx, broken)
	require.Error(t, err)

	// The sender retries the same event intact; it must apply, not be
	// mistaken for a duplicate of the failed attempt.
	status, err := a.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.PushAccepted, status)

	got, err := testDB.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
}
