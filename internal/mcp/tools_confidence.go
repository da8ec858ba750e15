package mcp

import (
	"context"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/model"
)

func (s *Server) registerConfidenceTools() {
	// score — compute the confidence breakdown for one memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("score",
			mcplib.WithDescription("Compute a memory's confidence score with the per-factor breakdown: freshness, source credibility, verification, consensus, contradiction, usage, relevance."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("query", mcplib.Description("Optional query for the relevance factor")),
		),
		s.handleScore,
	)

	// verify — first-hand judgement on a memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("verify",
			mcplib.WithDescription(`Record a first-hand verification of a memory.

WHEN TO USE: After you checked a fact against reality. Kinds: confirmed
(you re-established it), still_valid (spot check passed), outdated (was
true, no longer is), incorrect (was never true).

Positive verifications reset the memory's freshness reference, so a
just-confirmed old memory scores like a new one. Verifications feed the
verifying agent's credibility record.`),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("kind", mcplib.Description("confirmed, still_valid, outdated, or incorrect"), mcplib.Required()),
			mcplib.WithString("notes", mcplib.Description("What you checked and how")),
			mcplib.WithString("agent_id", mcplib.Description("Verifying agent. Defaults to your authenticated identity.")),
		),
		s.handleVerify,
	)

	// vote — weighted opinion without a first-hand check.
	s.mcpServer.AddTool(
		mcplib.NewTool("vote",
			mcplib.WithDescription("Vote agree/disagree/unsure on a memory's correctness. Weaker than verify (no first-hand check); one vote per agent per memory, re-voting replaces."),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("vote", mcplib.Description("agree, disagree, or unsure"), mcplib.Required()),
			mcplib.WithNumber("confidence", mcplib.Description("How sure you are of your vote (0.0-1.0)"), mcplib.Min(0), mcplib.Max(1)),
			mcplib.WithString("reasoning", mcplib.Description("Why you voted this way")),
			mcplib.WithString("agent_id", mcplib.Description("Voting agent")),
		),
		s.handleVote,
	)

	// report_usage — close the loop after acting on a memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("report_usage",
			mcplib.WithDescription("Report the outcome of acting on a memory: success, failure, partial, or error. Outcomes feed the usage factor of the memory's confidence score."),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("success, failure, partial, or error"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("What you did with the memory")),
			mcplib.WithString("details", mcplib.Description("What happened")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleReportUsage,
	)

	// search_high_confidence — trustworthy results only.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_high_confidence",
			mcplib.WithDescription("Search memories and keep only results above a confidence floor. Use when acting on the answer unreviewed, e.g. in automation."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("What you're looking for"), mcplib.Required()),
			mcplib.WithNumber("min_confidence", mcplib.Description("Confidence floor"), mcplib.Min(0), mcplib.Max(1), mcplib.DefaultNumber(0.7)),
			mcplib.WithString("category", mcplib.Description("Restrict to one category")),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(100), mcplib.DefaultNumber(10)),
		),
		s.handleSearchHighConfidence,
	)

	// flag_outdated — freshness sweep.
	s.mcpServer.AddTool(
		mcplib.NewTool("flag_outdated",
			mcplib.WithDescription("List live memories in a category whose freshness factor fell below a threshold. Candidates for re-verification or deletion."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("category", mcplib.Description("Category to sweep"), mcplib.Required()),
			mcplib.WithNumber("threshold", mcplib.Description("Freshness floor"), mcplib.Min(0), mcplib.Max(1), mcplib.DefaultNumber(0.3)),
		),
		s.handleFlagOutdated,
	)

	// detect_contradictions — semantic disagreement scan.
	s.mcpServer.AddTool(
		mcplib.NewTool("detect_contradictions",
			mcplib.WithDescription("Scan a category for memory pairs that are semantically close but factually disagree (numbers, state verbs, negation). Opens contradiction records; both sides' confidence drops until resolved."),
			mcplib.WithString("category", mcplib.Description("Category to scan"), mcplib.Required()),
		),
		s.handleDetectContradictions,
	)

	// list_contradictions — what's still open.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_contradictions",
			mcplib.WithDescription("List open contradictions, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(200), mcplib.DefaultNumber(50)),
		),
		s.handleListContradictions,
	)

	// resolve_contradiction — settle a pair.
	s.mcpServer.AddTool(
		mcplib.NewTool("resolve_contradiction",
			mcplib.WithDescription("Resolve an open contradiction. With winner_id the resolution is manual; otherwise automatic strategies run in order (temporal, source trust, consensus). The loser is soft-deleted. Resolutions are audited."),
			mcplib.WithString("contradiction_id", mcplib.Description("Contradiction UUID"), mcplib.Required()),
			mcplib.WithString("winner_id", mcplib.Description("Memory UUID that should win; omit for automatic resolution")),
			mcplib.WithString("agent_id", mcplib.Description("Resolving agent")),
		),
		s.handleResolveContradiction,
	)

	// get_agent_credibility — track record lookup.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_agent_credibility",
			mcplib.WithDescription("An agent's verified track record: global score plus per-category correct/incorrect counts. Novice agents sit at 0.5."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("agent_id", mcplib.Description("Agent to look up"), mcplib.Required()),
		),
		s.handleGetAgentCredibility,
	)
}

func (s *Server) handleScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	var qc *confidence.QueryContext
	if q := request.GetString("query", ""); q != "" {
		qc = &confidence.QueryContext{Query: q, MachineID: s.machineID}
	}
	record, err := s.conf.ScoreMemory(ctx, id, qc)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(record), nil
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	kind := model.VerificationKind(request.GetString("kind", ""))
	if !kind.Valid() {
		return invalidResult("unknown verification kind %q", kind), nil
	}
	verifier := s.callerAgent(ctx, request, "")
	if verifier == "" {
		return invalidResult("agent_id is required"), nil
	}
	if err := s.conf.Verify(ctx, id, verifier, kind, request.GetString("notes", ""), false); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"memory_id": id, "kind": kind, "status": "recorded"}), nil
}

func (s *Server) handleVote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	choice := model.VoteChoice(request.GetString("vote", ""))
	if !choice.Valid() {
		return invalidResult("unknown vote %q", choice), nil
	}
	voter := s.callerAgent(ctx, request, "")
	if voter == "" {
		return invalidResult("agent_id is required"), nil
	}
	err = s.conf.Vote(ctx, model.Vote{
		MemoryID:       id,
		VoterAgentID:   voter,
		VoterMachineID: s.machineID,
		Choice:         choice,
		Confidence:     request.GetFloat("confidence", 1),
		Reasoning:      request.GetString("reasoning", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"memory_id": id, "vote": choice, "status": "recorded"}), nil
}

func (s *Server) handleReportUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	outcome := model.UsageOutcomeKind(request.GetString("outcome", ""))
	if !outcome.Valid() {
		return invalidResult("unknown outcome %q", outcome), nil
	}
	agent := s.callerAgent(ctx, request, "")
	if agent == "" {
		return invalidResult("agent_id is required"), nil
	}
	err = s.conf.ReportUsage(ctx, model.UsageOutcome{
		MemoryID: id,
		AgentID:  agent,
		Action:   request.GetString("action", ""),
		Outcome:  outcome,
		Details:  request.GetString("details", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"memory_id": id, "outcome": outcome, "status": "recorded"}), nil
}

func (s *Server) handleSearchHighConfidence(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return invalidResult("query is required"), nil
	}
	filters := s.parseFilters(request)
	hits, err := s.conf.SearchHighConfidence(ctx, query,
		request.GetFloat("min_confidence", 0.7),
		filters,
		request.GetInt("limit", 10),
	)
	if err != nil {
		return errorResult(err), nil
	}
	result := jsonResult(map[string]any{
		"hits":  compactHits(hits),
		"total": len(hits),
	})
	return s.shapeMemoryResult(ctx, request, result), nil
}

func (s *Server) handleFlagOutdated(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	category := model.NormalizeCategory(request.GetString("category", ""))
	flagged, err := s.conf.FlagOutdated(ctx, category, request.GetFloat("threshold", 0.3))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"flagged": flagged,
		"total":   len(flagged),
	}), nil
}

func (s *Server) handleDetectContradictions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	category := model.NormalizeCategory(request.GetString("category", ""))
	opened, err := s.conf.DetectContradictions(ctx, category)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"opened": opened,
		"total":  len(opened),
	}), nil
}

func (s *Server) handleListContradictions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	open, err := s.conf.ListOpenContradictions(ctx, request.GetInt("limit", 50))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"contradictions": open,
		"total":          len(open),
	}), nil
}

func (s *Server) handleResolveContradiction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("contradiction_id", ""))
	if err != nil {
		return invalidResult("contradiction_id must be a UUID"), nil
	}
	var winner *uuid.UUID
	if w := request.GetString("winner_id", ""); w != "" {
		wid, err := uuid.Parse(w)
		if err != nil {
			return invalidResult("winner_id must be a UUID"), nil
		}
		winner = &wid
	}
	res, err := s.conf.Resolve(ctx, id, winner, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleGetAgentCredibility(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return invalidResult("agent_id is required"), nil
	}
	cred, err := s.conf.GetAgentCredibility(ctx, agentID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(cred), nil
}
