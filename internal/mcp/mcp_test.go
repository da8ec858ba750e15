package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/registry"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/testutil"
)

const testMachine = "mcp-test-node"

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp_test: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	worker *search.OutboxWorker
}

// newTestEnv wires a full server against the shared database. Each test gets
// its own Server so format-guide session state never bleeds across tests.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	index := search.NewMemoryIndex()
	provider := &testutil.HashEmbedder{Dims: 16}
	mem := memory.New(testDB, index, provider, b, memory.Config{
		MachineID:     testMachine,
		HybridAlpha:   0.7,
		SoftDeleteTTL: 30 * 24 * time.Hour,
	}, logger)
	conf := confidence.New(testDB, index, provider, mem, b, confidence.Config{
		MachineID: testMachine,
	}, logger)
	reg, err := registry.New(testDB, b, bus.NewCache(time.Minute), mem, registry.Config{
		MachineID:    testMachine,
		QueryTimeout: 2 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	server := New(testDB, mem, conf, reg, nil, bus.NewCache(time.Minute), testMachine, "test", logger)
	worker := search.NewOutboxWorker(testDB, index, provider, logger, time.Hour, 64)
	return &testEnv{server: server, worker: worker}
}

func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for range 5 {
		env.worker.ProcessBatch(t.Context())
	}
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// toolPayload returns the last TextContent: the response body, after any
// prepended format reference.
func toolPayload(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	var text string
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			text = tc.Text
		}
	}
	require.NotEmpty(t, text, "no TextContent in tool result")
	return text
}

// toolJSON decodes the response body into a generic map.
func toolJSON(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolPayload(t, result)), &out))
	return out
}

// hasFormatGuide reports whether the result leads with the format reference.
func hasFormatGuide(result *mcplib.CallToolResult) bool {
	if len(result.Content) == 0 {
		return false
	}
	tc, ok := result.Content[0].(mcplib.TextContent)
	return ok && strings.HasPrefix(tc.Text, "HAIVEMIND MEMORY FORMAT")
}

// errorCode extracts the stable error code from an IsError result.
func errorCode(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError, "expected an error result")
	body := toolJSON(t, result)
	code, _ := body["code"].(string)
	return code
}

func mustStore(t *testing.T, env *testEnv, agent string, args map[string]any) string {
	t.Helper()
	args["agent_id"] = agent
	result, err := env.server.handleStore(t.Context(), toolRequest("store", args))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	body := toolJSON(t, result)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestStoreRetrieveUpdate(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "store-agent-" + uuid.NewString()[:8]

	content := "nginx fronting the api pool listens on 8443 " + uuid.NewString()
	id := mustStore(t, env, agent, map[string]any{
		"content":  content,
		"category": "infrastructure",
		"tags":     []string{"nginx", "api"},
	})

	result, err := env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": id,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	body := toolJSON(t, result)
	assert.Equal(t, content, body["content"])
	assert.Equal(t, "infrastructure", body["category"])

	updated := "nginx fronting the api pool listens on 9443 " + uuid.NewString()
	result, err = env.server.handleUpdate(ctx, toolRequest("update", map[string]any{
		"memory_id": id,
		"content":   updated,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, updated, toolJSON(t, result)["content"])
}

func TestFormatGuidePrependedOncePerSession(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "guide-agent-" + uuid.NewString()[:8]

	first, err := env.server.handleStore(ctx, toolRequest("store", map[string]any{
		"content":  "first fact of the session " + uuid.NewString(),
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, first.IsError)
	assert.True(t, hasFormatGuide(first), "first memory response carries the format reference")

	second, err := env.server.handleStore(ctx, toolRequest("store", map[string]any{
		"content":  "second fact of the session " + uuid.NewString(),
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, second.IsError)
	assert.False(t, hasFormatGuide(second), "reference appears only once per session")

	// A different session (different stdio identity) is guided afresh.
	other, err := env.server.handleStore(ctx, toolRequest("store", map[string]any{
		"content":  "fact from another session " + uuid.NewString(),
		"agent_id": "other-" + agent,
	}))
	require.NoError(t, err)
	assert.True(t, hasFormatGuide(other))
}

func TestFormatStamping(t *testing.T) {
	env := newTestEnv(t)
	agent := "stamp-agent-" + uuid.NewString()[:8]

	// First store happens before the session has seen the guide: v1,
	// flagged compressible.
	firstID := mustStore(t, env, agent, map[string]any{
		"content": "pre-guide fact " + uuid.NewString(),
	})
	result, err := env.server.handleRetrieve(t.Context(), toolRequest("retrieve", map[string]any{
		"memory_id": firstID,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	assert.Equal(t, true, toolJSON(t, result)["compressible"])

	// The session is guided now; subsequent stores are stamped v2.
	secondID := mustStore(t, env, agent, map[string]any{
		"content": "post-guide fact " + uuid.NewString(),
	})
	result, err = env.server.handleRetrieve(t.Context(), toolRequest("retrieve", map[string]any{
		"memory_id": secondID,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	_, flagged := toolJSON(t, result)["compressible"]
	assert.False(t, flagged, "v2 memories are not compressible")
}

func TestSearchTool(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "search-agent-" + uuid.NewString()[:8]

	content := "etcd quorum needs three of five nodes " + uuid.NewString()
	id := mustStore(t, env, agent, map[string]any{
		"content":  content,
		"category": "infrastructure",
	})
	env.drain(t)

	result, err := env.server.handleSearch(ctx, toolRequest("search", map[string]any{
		"query":    content,
		"mode":     "semantic",
		"category": "infrastructure",
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	body := toolJSON(t, result)
	hits, ok := body["hits"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, hits)
	top := hits[0].(map[string]any)
	assert.Equal(t, id, top["id"])
	assert.Equal(t, true, top["compressible"], "pre-guide store is a v1 hit")
}

func TestDeleteRecoverLifecycle(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "del-agent-" + uuid.NewString()[:8]

	id := mustStore(t, env, agent, map[string]any{
		"content": "deprecated haproxy config on web-3 " + uuid.NewString(),
	})

	result, err := env.server.handleDelete(ctx, toolRequest("delete", map[string]any{
		"memory_id": id,
		"reason":    "superseded",
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "soft_deleted", toolJSON(t, result)["status"])

	result, err = env.server.handleListDeleted(ctx, toolRequest("list_deleted", nil))
	require.NoError(t, err)
	var found bool
	for _, raw := range toolJSON(t, result)["memories"].([]any) {
		if raw.(map[string]any)["id"] == id {
			found = true
		}
	}
	assert.True(t, found, "soft-deleted memory is listed as recoverable")

	result, err = env.server.handleRecover(ctx, toolRequest("recover", map[string]any{
		"memory_id": id,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	// Hard delete requires confirmation.
	result, err = env.server.handleDelete(ctx, toolRequest("delete", map[string]any{
		"memory_id": id,
		"hard":      true,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	assert.Equal(t, string(model.KindConfirmationRequired), errorCode(t, result))

	result, err = env.server.handleDelete(ctx, toolRequest("delete", map[string]any{
		"memory_id": id,
		"hard":      true,
		"confirm":   true,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "purged", toolJSON(t, result)["status"])

	result, err = env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": id,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	assert.Equal(t, string(model.KindNotFound), errorCode(t, result))
}

func TestBulkDeletePreviewsBeforeCommitting(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "bulk-agent-" + uuid.NewString()[:8]
	project := "bulk-project-" + uuid.NewString()[:8]

	for i := range 3 {
		mustStore(t, env, agent, map[string]any{
			"content":    fmt.Sprintf("scratch note %d %s", i, uuid.NewString()),
			"project_id": project,
		})
	}

	preview, err := env.server.handleBulkDelete(ctx, toolRequest("bulk_delete", map[string]any{
		"project_id": project,
		"agent_id":   agent,
	}))
	require.NoError(t, err)
	require.False(t, preview.IsError)
	body := toolJSON(t, preview)
	assert.EqualValues(t, 3, body["matched"])
	assert.EqualValues(t, 0, body["deleted"])

	committed, err := env.server.handleBulkDelete(ctx, toolRequest("bulk_delete", map[string]any{
		"project_id": project,
		"confirm":    true,
		"reason":     "scratch cleanup",
		"agent_id":   agent,
	}))
	require.NoError(t, err)
	body = toolJSON(t, committed)
	assert.EqualValues(t, 3, body["deleted"])
}

func TestErrorShape(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	result, err := env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.Equal(t, string(model.KindInvalidArgument), errorCode(t, result))

	result, err = env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.Equal(t, string(model.KindNotFound), errorCode(t, result))

	// The detail is a message, never a stack trace.
	detail, _ := toolJSON(t, result)["detail"].(string)
	assert.NotContains(t, detail, "goroutine")
}

func TestAgentToolsRoundTrip(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	suffix := uuid.NewString()[:8]
	worker := "worker-" + suffix
	capability := "redis-ops-" + suffix

	result, err := env.server.handleRegisterAgent(ctx, toolRequest("register_agent", map[string]any{
		"agent_id":     worker,
		"role":         "specialist",
		"capabilities": []string{capability},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	result, err = env.server.handleRoster(ctx, toolRequest("roster", map[string]any{
		"capability": capability,
	}))
	require.NoError(t, err)
	body := toolJSON(t, result)
	assert.EqualValues(t, 1, body["total"])

	result, err = env.server.handleDelegate(ctx, toolRequest("delegate", map[string]any{
		"description":           "rebalance the redis cluster",
		"required_capabilities": []string{capability},
		"agent_id":              "coordinator-" + suffix,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	task := toolJSON(t, result)
	assert.Equal(t, string(model.TaskAssigned), task["status"])
	assert.Equal(t, worker, task["assigned_to"])
	taskID, _ := task["id"].(string)
	require.NotEmpty(t, taskID)

	result, err = env.server.handleUpdateTask(ctx, toolRequest("update_task", map[string]any{
		"task_id": taskID,
		"from":    "assigned",
		"to":      "in_progress",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	result, err = env.server.handleUpdateTask(ctx, toolRequest("update_task", map[string]any{
		"task_id": taskID,
		"from":    "in_progress",
		"to":      "done",
		"result":  `{"rebalanced": true}`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	// Replaying the transition is a conflict, not a silent no-op.
	result, err = env.server.handleUpdateTask(ctx, toolRequest("update_task", map[string]any{
		"task_id": taskID,
		"from":    "in_progress",
		"to":      "done",
	}))
	require.NoError(t, err)
	assert.Equal(t, string(model.KindConflictDetected), errorCode(t, result))
}

func TestBroadcastTool(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "announcer-" + uuid.NewString()[:8]

	result, err := env.server.handleBroadcast(ctx, toolRequest("broadcast", map[string]any{
		"message":  "rolling restart of the search tier starts in 10 minutes",
		"severity": "warning",
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	body := toolJSON(t, result)
	require.NotEmpty(t, body["memory_id"])

	// The announcement is a real memory, retrievable like any other.
	result, err = env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": body["memory_id"],
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	mem := toolJSON(t, result)
	assert.Equal(t, string(model.CategoryAgent), mem["category"])
}

func TestInfraTools(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "ops-" + uuid.NewString()[:8]
	component := "elasticsearch-" + uuid.NewString()[:8]

	result, err := env.server.handleTrackInfraState(ctx, toolRequest("track_infrastructure_state", map[string]any{
		"component": component,
		"state":     "degraded",
		"details":   "two data nodes out of the ring",
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	body := toolJSON(t, result)
	assert.Equal(t, string(model.CategoryInfrastructure), body["category"])
	assert.Contains(t, body["tags"], "state:degraded")

	result, err = env.server.handleRecordIncident(ctx, toolRequest("record_incident", map[string]any{
		"title":       "search outage " + uuid.NewString()[:8],
		"description": "cluster went red after a full disk on data-1",
		"severity":    "critical",
		"resolution":  "freed disk, forced shard reroute",
		"component":   component,
		"agent_id":    agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	assert.Equal(t, string(model.CategoryIncidents), toolJSON(t, result)["category"])
	env.drain(t)

	result, err = env.server.handleGenerateRunbook(ctx, toolRequest("generate_runbook", map[string]any{
		"title":    "recover a red elasticsearch cluster",
		"steps":    []string{"check disk on data nodes", "free space or add capacity", "retry shard allocation"},
		"system":   component,
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	body = toolJSON(t, result)
	runbook, ok := body["runbook"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(model.CategoryRunbooks), runbook["category"])
	assert.Contains(t, runbook["content"], "1) check disk on data nodes")
}

func TestSyncSSHConfig(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "ssh-agent-" + uuid.NewString()[:8]
	config := "Host bastion\n  HostName 10.0.0.1\n  User ops\n# " + uuid.NewString()

	result, err := env.server.handleSyncSSHConfig(ctx, toolRequest("sync_ssh_config", map[string]any{
		"config":   config,
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	assert.Equal(t, "published", toolJSON(t, result)["status"])

	result, err = env.server.handleSyncSSHConfig(ctx, toolRequest("sync_ssh_config", map[string]any{
		"machine_id": testMachine,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
	fetched, _ := toolJSON(t, result)["config"].(string)
	assert.Contains(t, fetched, "Host bastion")
}

func TestSyncStatusSingleNode(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)

	result, err := env.server.handleSyncStatus(ctx, toolRequest("sync_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	body := toolJSON(t, result)
	assert.Equal(t, "single_node", body["mode"])
	assert.Equal(t, testMachine, body["machine_id"])
}

func TestGetFormatGuideAndAccessStats(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "stats-agent-" + uuid.NewString()[:8]

	result, err := env.server.handleGetFormatGuide(ctx, toolRequest("get_format_guide", map[string]any{
		"agent_id": agent,
	}))
	require.NoError(t, err)
	assert.Contains(t, toolPayload(t, result), "HAIVEMIND MEMORY FORMAT")

	// Having fetched the guide counts as guided: the next store is v2.
	id := mustStore(t, env, agent, map[string]any{
		"content": "fact stored after reading the guide " + uuid.NewString(),
	})
	retrieved, err := env.server.handleRetrieve(ctx, toolRequest("retrieve", map[string]any{
		"memory_id": id,
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	_, flagged := toolJSON(t, retrieved)["compressible"]
	assert.False(t, flagged)

	result, err = env.server.handleAccessStats(ctx, toolRequest("get_memory_access_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	body := toolJSON(t, result)
	accesses, ok := body["accesses"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, accesses, float64(1))
}

func TestConfidenceToolsRoundTrip(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t)
	agent := "verifier-" + uuid.NewString()[:8]

	id := mustStore(t, env, agent, map[string]any{
		"content":  "the backup job runs nightly at 02:00 UTC " + uuid.NewString(),
		"category": "infrastructure",
	})
	env.drain(t)

	result, err := env.server.handleVerify(ctx, toolRequest("verify", map[string]any{
		"memory_id": id,
		"kind":      "confirmed",
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	result, err = env.server.handleReportUsage(ctx, toolRequest("report_usage", map[string]any{
		"memory_id": id,
		"action":    "scheduled restore drill",
		"outcome":   "success",
		"agent_id":  agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	result, err = env.server.handleScore(ctx, toolRequest("score", map[string]any{
		"memory_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))

	result, err = env.server.handleGetAgentCredibility(ctx, toolRequest("get_agent_credibility", map[string]any{
		"agent_id": agent,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolPayload(t, result))
}
