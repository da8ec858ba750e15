package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/testutil"
)

func receiveSSE(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case event := <-ch:
		return string(event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return ""
	}
}

func TestBrokerFansOutBusEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	broker, err := NewBroker(b, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	require.NoError(t, b.Publish(t.Context(), model.SyncEvent{
		Kind:            model.EventBroadcast,
		OriginMachineID: "node-a",
		WallClock:       time.Now(),
	}))

	event := receiveSSE(t, ch)
	assert.Contains(t, event, "event: broadcast\n")
	assert.Contains(t, event, `"origin_machine_id":"node-a"`)
}

func TestBrokerFiltersConfidentialEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	broker, err := NewBroker(b, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	require.NoError(t, b.Publish(t.Context(), model.SyncEvent{
		Kind:            model.EventMemoryUpsert,
		OriginMachineID: "node-a",
		Confidentiality: model.ConfidentialityPII,
	}))
	require.NoError(t, b.Publish(t.Context(), model.SyncEvent{
		Kind:            model.EventMemoryUpsert,
		OriginMachineID: "node-a",
		Confidentiality: model.ConfidentialityInternal,
	}))

	// Only the internal-level event arrives; the pii one was dropped.
	event := receiveSSE(t, ch)
	assert.Contains(t, event, `"confidentiality_level":"internal"`)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second event: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerUnsubscribeCloses(t *testing.T) {
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	broker, err := NewBroker(b, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	ch := broker.Subscribe()
	broker.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is safe.
	broker.Unsubscribe(ch)
}
