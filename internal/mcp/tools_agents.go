package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/ctxutil"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/registry"
)

func (s *Server) registerAgentTools() {
	// register_agent — join the collective.
	s.mcpServer.AddTool(
		mcplib.NewTool("register_agent",
			mcplib.WithDescription("Register (or re-register) an agent on this machine with its role and capabilities. Re-registering refreshes liveness and resets status to active."),
			mcplib.WithString("agent_id", mcplib.Description("Agent identifier: alphanumeric start, then alphanumerics, dots, underscores, hyphens"), mcplib.Required()),
			mcplib.WithString("role", mcplib.Description("What kind of agent this is, e.g. specialist, generalist, monitor")),
			mcplib.WithString("description", mcplib.Description("Human-readable description")),
			mcplib.WithArray("capabilities", mcplib.Description("Capability tags used for task matching, e.g. [\"redis_ops\",\"cluster_management\"]"), mcplib.WithStringItems()),
		),
		s.handleRegisterAgent,
	)

	// heartbeat — stay on the roster.
	s.mcpServer.AddTool(
		mcplib.NewTool("heartbeat",
			mcplib.WithDescription("Refresh an agent's liveness. Default cadence 30 s; agents go idle after 90 s of silence and offline after 5 m."),
			mcplib.WithString("agent_id", mcplib.Description("Agent identifier"), mcplib.Required()),
		),
		s.handleHeartbeat,
	)

	// roster — who's in the collective.
	s.mcpServer.AddTool(
		mcplib.NewTool("roster",
			mcplib.WithDescription("List registered agents with status, capabilities, and credibility. Filter by role, capability, machine, or status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("role", mcplib.Description("Filter: role")),
			mcplib.WithString("capability", mcplib.Description("Filter: agents holding this capability")),
			mcplib.WithString("machine_id", mcplib.Description("Filter: agents on this machine")),
			mcplib.WithString("status", mcplib.Description("Filter: active, idle, or offline")),
		),
		s.handleRoster,
	)

	// delegate — hand work to the best-matched agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("delegate",
			mcplib.WithDescription(`Delegate a task to the best-matched capable agent.

Matching: active agents whose capabilities cover the requirements, ranked
by specificity (specialists beat generalists), load, locality, and
credibility. With no capable agent online the task stays pending and is
retried as agents register.`),
			mcplib.WithString("description", mcplib.Description("What needs doing"), mcplib.Required()),
			mcplib.WithArray("required_capabilities", mcplib.Description("Capabilities the assignee must hold"), mcplib.WithStringItems()),
			mcplib.WithString("priority", mcplib.Description("low, normal (default), high, or critical")),
			mcplib.WithBoolean("local_only", mcplib.Description("Only consider agents on this machine")),
			mcplib.WithString("agent_id", mcplib.Description("Delegating agent")),
		),
		s.handleDelegate,
	)

	// update_task — move a task through its lifecycle.
	s.mcpServer.AddTool(
		mcplib.NewTool("update_task",
			mcplib.WithDescription("Transition a task: assigned -> in_progress -> done/failed, or cancel. Illegal transitions are rejected; a concurrent transition by another agent surfaces as ConflictDetected."),
			mcplib.WithString("task_id", mcplib.Description("Task UUID"), mcplib.Required()),
			mcplib.WithString("from", mcplib.Description("Expected current status"), mcplib.Required()),
			mcplib.WithString("to", mcplib.Description("Target status"), mcplib.Required()),
			mcplib.WithString("result", mcplib.Description("JSON result payload for terminal transitions")),
		),
		s.handleUpdateTask,
	)

	// decline_task — hand an assignment back.
	s.mcpServer.AddTool(
		mcplib.NewTool("decline_task",
			mcplib.WithDescription("Decline an assigned task. It returns to the pool and is immediately offered to the next-best candidate."),
			mcplib.WithString("task_id", mcplib.Description("Task UUID"), mcplib.Required()),
		),
		s.handleDeclineTask,
	)

	// list_tasks — delegation queue view.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_tasks",
			mcplib.WithDescription("List tasks, optionally filtered by assignee and status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("assignee", mcplib.Description("Filter: assigned agent")),
			mcplib.WithString("status", mcplib.Description("Filter: pending, assigned, in_progress, done, failed, cancelled")),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(200), mcplib.DefaultNumber(50)),
		),
		s.handleListTasks,
	)

	// broadcast — fleet-wide announcement.
	s.mcpServer.AddTool(
		mcplib.NewTool("broadcast",
			mcplib.WithDescription("Announce something to every agent in the fleet. Persisted as an agent-category memory (so it replicates and is searchable) and pushed as a live event."),
			mcplib.WithString("message", mcplib.Description("The announcement"), mcplib.Required()),
			mcplib.WithString("severity", mcplib.Description("info, warning, or critical")),
			mcplib.WithString("category", mcplib.Description("Memory category override; defaults to agent")),
			mcplib.WithString("confidentiality_level", mcplib.Description("Confidentiality of the stored memory")),
			mcplib.WithString("agent_id", mcplib.Description("Announcing agent")),
		),
		s.handleBroadcast,
	)

	// query_agent — ask a specific agent, wherever it runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("query_agent",
			mcplib.WithDescription("Ask a specific agent a question and wait for its answer (default timeout 10 s). Works across machines; the question reaches the target's node over the sync mesh."),
			mcplib.WithString("agent_id", mcplib.Description("Agent to ask"), mcplib.Required()),
			mcplib.WithString("question", mcplib.Description("The question"), mcplib.Required()),
		),
		s.handleQueryAgent,
	)

	// answer_query — the responding half of query_agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("answer_query",
			mcplib.WithDescription("Answer a pending query_agent question. Agent runtimes call this when they see an agent_query event addressed to them."),
			mcplib.WithString("query_id", mcplib.Description("Query UUID from the agent_query event"), mcplib.Required()),
			mcplib.WithString("answer", mcplib.Description("The answer"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Answering agent")),
		),
		s.handleAnswerQuery,
	)
}

func (s *Server) handleRegisterAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, err := s.reg.Register(ctx, registry.RegisterRequest{
		AgentID:      request.GetString("agent_id", ""),
		Role:         request.GetString("role", ""),
		Description:  request.GetString("description", ""),
		Capabilities: request.GetStringSlice("capabilities", nil),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(agent), nil
}

func (s *Server) handleHeartbeat(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return invalidResult("agent_id is required"), nil
	}
	if err := s.reg.Heartbeat(ctx, agentID); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"agent_id": agentID, "status": "alive"}), nil
}

func (s *Server) handleRoster(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.reg.Roster(ctx, model.RosterFilter{
		Role:       request.GetString("role", ""),
		Capability: request.GetString("capability", ""),
		MachineID:  request.GetString("machine_id", ""),
		Status:     model.AgentStatus(request.GetString("status", "")),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"agents": agents,
		"total":  len(agents),
	}), nil
}

func (s *Server) handleDelegate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	task, err := s.reg.Delegate(ctx, registry.TaskRequest{
		Description:          request.GetString("description", ""),
		RequiredCapabilities: request.GetStringSlice("required_capabilities", nil),
		Priority:             model.TaskPriority(request.GetString("priority", "")),
		CreatedBy:            s.callerAgent(ctx, request, "anonymous"),
		LocalOnly:            request.GetBool("local_only", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(task), nil
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return invalidResult("task_id must be a UUID"), nil
	}
	var result json.RawMessage
	if raw := request.GetString("result", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return invalidResult("result must be valid JSON"), nil
		}
		result = json.RawMessage(raw)
	}
	task, err := s.reg.TransitionTask(ctx, id,
		model.TaskStatus(request.GetString("from", "")),
		model.TaskStatus(request.GetString("to", "")),
		result,
	)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(task), nil
}

func (s *Server) handleDeclineTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return invalidResult("task_id must be a UUID"), nil
	}
	task, err := s.reg.DeclineTask(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(task), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tasks, err := s.reg.ListTasks(ctx,
		request.GetString("assignee", ""),
		model.TaskStatus(request.GetString("status", "")),
		request.GetInt("limit", 50),
	)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	}), nil
}

func (s *Server) handleBroadcast(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	m, err := s.reg.Broadcast(ctx, registry.BroadcastRequest{
		Message:         request.GetString("message", ""),
		AgentID:         s.callerAgent(ctx, request, "anonymous"),
		Category:        request.GetString("category", ""),
		Severity:        request.GetString("severity", ""),
		Confidentiality: model.ConfidentialityLevel(request.GetString("confidentiality_level", "")),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"memory_id": m.ID,
		"status":    "broadcast",
	}), nil
}

func (s *Server) handleQueryAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	question := request.GetString("question", "")
	if question == "" {
		return invalidResult("question is required"), nil
	}
	// agent_id names the target here, so the asker comes from auth only.
	asker := "anonymous"
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && claims.AgentID != "" {
		asker = claims.AgentID
	}
	answer, err := s.reg.QueryAgent(ctx, agentID, question, asker)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"agent_id": agentID,
		"answer":   answer,
	}), nil
}

func (s *Server) handleAnswerQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	queryID, err := uuid.Parse(request.GetString("query_id", ""))
	if err != nil {
		return invalidResult("query_id must be a UUID"), nil
	}
	answer := request.GetString("answer", "")
	if answer == "" {
		return invalidResult("answer is required"), nil
	}
	agent := s.callerAgent(ctx, request, "anonymous")
	if err := s.reg.AnswerQuery(ctx, queryID, agent, answer); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"query_id": queryID, "status": "answered"}), nil
}
