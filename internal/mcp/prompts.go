package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-task — search the hive before starting work.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-task",
			mcplib.WithPromptDescription("Search collective memory for relevant knowledge before starting a task"),
			mcplib.WithArgument("topic",
				mcplib.ArgumentDescription("What the task is about (e.g., elasticsearch recovery, deploy pipeline)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeTaskPrompt,
	)

	// after-task — store what was learned.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-task",
			mcplib.WithPromptDescription("Store what was learned after completing a task"),
			mcplib.WithArgument("summary",
				mcplib.ArgumentDescription("One line on what was done"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAfterTaskPrompt,
	)

	// agent-onboarding — system prompt snippet for new hive members.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-onboarding",
			mcplib.WithPromptDescription("System prompt snippet explaining the collective memory workflow (search-before, store-after, verify-what-you-use)"),
		),
		s.handleOnboardingPrompt,
	)
}

func (s *Server) handleBeforeTaskPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topic := request.Params.Arguments["topic"]
	if topic == "" {
		return nil, fmt.Errorf("topic argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check collective memory before working on %s", topic),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before starting work on "%s", check what the collective already knows:

1. CALL search with query="%s" (hybrid mode is the default and usually best).

2. REVIEW the hits:
   - High-confidence hits are knowledge other agents have verified or used
     successfully. Build on them.
   - If a hit helped, CALL report_usage with outcome="success" afterwards so
     its confidence reflects real use.
   - If a hit turned out wrong, CALL verify with kind="incorrect" — that is
     as valuable as storing something new.

3. If nothing relevant exists, you're covering new ground: store what you
   learn when you're done so the next agent doesn't start from zero.`, topic, topic),
				},
			},
		},
	}, nil
}

func (s *Server) handleAfterTaskPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	summary := request.Params.Arguments["summary"]
	if summary == "" {
		return nil, fmt.Errorf("summary argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Store what you learned",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You just finished: "%s". Capture what the collective should remember:

CALL store for each distinct fact worth keeping. Write dense, standalone
statements — a future agent sees the memory alone, without this conversation.

- Pick the right category (infrastructure, incidents, runbooks, deployments,
  project, ...) — category drives retrieval.
- Tag with the systems and components involved.
- If you fixed something that broke, use record_incident instead so the
  failure and its resolution stay linked.
- If you followed (or invented) a repeatable procedure, use generate_runbook.

Skip transient details: command output, timestamps, anything that won't help
the next agent.`, summary),
				},
			},
		},
	}, nil
}

func (s *Server) handleOnboardingPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Collective memory workflow for hive agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You are connected to hAIveMind, a shared memory and coordination hub for
a fleet of AI agents across multiple machines. What one agent learns, every
agent can use — but only if you follow the workflow.

## The Pattern: Search Before, Store After, Verify What You Use

### Before any non-trivial task:
Call search (hybrid mode) for the systems and problems involved. Another
agent may have already solved this, hit the same trap, or written a runbook.

### After finishing:
Call store for each fact worth keeping. Dense, standalone statements; right
category; tagged by system. Incidents go through record_incident, procedures
through generate_runbook.

### When you rely on a memory:
Call report_usage with the outcome. If it was wrong, call verify with
kind="incorrect". Confidence scores are built from this feedback — they are
only as good as the reporting.

## Coordination

- register_agent once at startup with your capabilities; heartbeat every 30 s.
- roster shows who else is online and what they can do.
- delegate hands a task to the best-matched specialist.
- query_agent asks a specific agent a question, on any machine.
- broadcast announces something every agent should see.

## Confidence

Every memory carries a confidence score (recency, usage, verification,
agent credibility). search_high_confidence returns only well-trusted
knowledge; plain search ranks by relevance. Contradicting memories are
detected automatically — resolve_contradiction settles them.

## Confidentiality

Memories have a confidentiality level (normal, internal, confidential, pii).
The level can be raised, never lowered. pii memories are excluded from
search by default and support gdpr_delete / gdpr_export.`,
				},
			},
		},
	}, nil
}
