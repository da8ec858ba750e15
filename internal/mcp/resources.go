package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/model"
)

func (s *Server) registerResources() {
	// haivemind://memories/recent — latest memories across the hive.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"haivemind://memories/recent",
			"Recent Memories",
			mcplib.WithResourceDescription("The most recently stored memories across all agents and machines"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentMemoriesResource,
	)

	// haivemind://agents/roster — who's registered and alive.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"haivemind://agents/roster",
			"Agent Roster",
			mcplib.WithResourceDescription("Registered agents with status, capabilities, and credibility"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRosterResource,
	)

	// haivemind://stats — collection counts and format breakdown.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"haivemind://stats",
			"Memory Statistics",
			mcplib.WithResourceDescription("Collection statistics: totals, per-category counts, format versions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	// haivemind://memory/{id} — one memory, full record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"haivemind://memory/{id}",
			"Memory",
			mcplib.WithTemplateDescription("A single memory by UUID, full record"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMemoryResource,
	)
}

func resourceJSON(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentMemoriesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	memories, err := s.mem.Recent(ctx, model.SearchFilters{}, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent memories: %w", err)
	}
	return resourceJSON("haivemind://memories/recent", compactMemories(memories))
}

func (s *Server) handleRosterResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.reg.Roster(ctx, model.RosterFilter{})
	if err != nil {
		return nil, fmt.Errorf("mcp: roster: %w", err)
	}
	return resourceJSON("haivemind://agents/roster", map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: stats: %w", err)
	}
	return resourceJSON("haivemind://stats", stats)
}

func (s *Server) handleMemoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimPrefix(uri, "haivemind://memory/")
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid memory URI %s: %w", uri, err)
	}
	m, err := s.mem.Retrieve(ctx, id, "resource")
	if err != nil {
		return nil, fmt.Errorf("mcp: read memory: %w", err)
	}
	return resourceJSON(uri, m)
}
