package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
)

// The infrastructure tools are conveniences over the memory engine: each one
// stores or retrieves memories in a fixed category with structured tags, so
// DevOps agents get purpose-named tools without a parallel storage path.

func (s *Server) registerInfraTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("track_infrastructure_state",
			mcplib.WithDescription("Record the observed state of an infrastructure component (stored as an infrastructure memory, tagged by component and state, searchable and replicated like any other)."),
			mcplib.WithString("component", mcplib.Description("Component name, e.g. elasticsearch-cluster, lan-dns"), mcplib.Required()),
			mcplib.WithString("state", mcplib.Description("Observed state, e.g. healthy, degraded, down"), mcplib.Required()),
			mcplib.WithString("details", mcplib.Description("What was observed and how")),
			mcplib.WithString("project_id", mcplib.Description("Project scope")),
			mcplib.WithString("agent_id", mcplib.Description("Reporting agent")),
		),
		s.handleTrackInfraState,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("record_incident",
			mcplib.WithDescription("Record an incident: what broke, how bad, and (if known) how it was resolved. Stored as an incidents memory so later runbooks and searches find it."),
			mcplib.WithString("title", mcplib.Description("Short incident title"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("What happened"), mcplib.Required()),
			mcplib.WithString("severity", mcplib.Description("info, warning, or critical")),
			mcplib.WithString("resolution", mcplib.Description("How it was fixed, if resolved")),
			mcplib.WithString("component", mcplib.Description("Affected component")),
			mcplib.WithString("project_id", mcplib.Description("Project scope")),
			mcplib.WithString("agent_id", mcplib.Description("Reporting agent")),
		),
		s.handleRecordIncident,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("generate_runbook",
			mcplib.WithDescription("Store an operational runbook from a title and procedure steps. Past incidents matching the title are searched and linked in the response so the procedure can be checked against what actually went wrong before."),
			mcplib.WithString("title", mcplib.Description("Runbook title, e.g. Restart elasticsearch after OOM"), mcplib.Required()),
			mcplib.WithArray("steps", mcplib.Description("Ordered procedure steps"), mcplib.WithStringItems(), mcplib.Required()),
			mcplib.WithString("system", mcplib.Description("System or component the runbook applies to")),
			mcplib.WithString("project_id", mcplib.Description("Project scope")),
			mcplib.WithString("agent_id", mcplib.Description("Authoring agent")),
		),
		s.handleGenerateRunbook,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("sync_ssh_config",
			mcplib.WithDescription("Share an SSH config across the fleet. With config given, stores it as the machine's current config; without, returns the most recently stored config (any machine, or filtered by machine_id)."),
			mcplib.WithString("config", mcplib.Description("SSH config content to publish; omit to fetch")),
			mcplib.WithString("machine_id", mcplib.Description("Fetch filter: config published by this machine")),
			mcplib.WithString("agent_id", mcplib.Description("Publishing agent")),
		),
		s.handleSyncSSHConfig,
	)
}

func (s *Server) handleTrackInfraState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	component := request.GetString("component", "")
	state := request.GetString("state", "")
	if component == "" || state == "" {
		return invalidResult("component and state are required"), nil
	}
	content := fmt.Sprintf("%s: %s", component, state)
	if details := request.GetString("details", ""); details != "" {
		content += " — " + details
	}
	m, err := s.mem.Store(ctx, memory.StoreRequest{
		Content:   content,
		Category:  string(model.CategoryInfrastructure),
		Tags:      []string{"infra-state", "component:" + component, "state:" + state},
		ProjectID: request.GetString("project_id", ""),
		AgentID:   s.callerAgent(ctx, request, ""),
		Format:    s.storeFormat(ctx, request),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return s.shapeMemoryResult(ctx, request, jsonResult(compactMemory(m))), nil
}

func (s *Server) handleRecordIncident(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	title := request.GetString("title", "")
	description := request.GetString("description", "")
	if title == "" || description == "" {
		return invalidResult("title and description are required"), nil
	}
	severity := request.GetString("severity", "info")

	content := title + ": " + description
	if resolution := request.GetString("resolution", ""); resolution != "" {
		content += " Resolution: " + resolution
	}
	tags := []string{"incident", "severity:" + severity}
	if component := request.GetString("component", ""); component != "" {
		tags = append(tags, "component:"+component)
	}
	m, err := s.mem.Store(ctx, memory.StoreRequest{
		Content:   content,
		Category:  string(model.CategoryIncidents),
		Tags:      tags,
		ProjectID: request.GetString("project_id", ""),
		AgentID:   s.callerAgent(ctx, request, ""),
		Format:    s.storeFormat(ctx, request),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return s.shapeMemoryResult(ctx, request, jsonResult(compactMemory(m))), nil
}

func (s *Server) handleGenerateRunbook(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	title := request.GetString("title", "")
	steps := request.GetStringSlice("steps", nil)
	if title == "" || len(steps) == 0 {
		return invalidResult("title and at least one step are required"), nil
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString(". Procedure:")
	for i, step := range steps {
		fmt.Fprintf(&b, " %d) %s", i+1, step)
	}

	tags := []string{"runbook"}
	if system := request.GetString("system", ""); system != "" {
		tags = append(tags, "system:"+system)
	}
	m, err := s.mem.Store(ctx, memory.StoreRequest{
		Content:   b.String(),
		Category:  string(model.CategoryRunbooks),
		Tags:      tags,
		ProjectID: request.GetString("project_id", ""),
		AgentID:   s.callerAgent(ctx, request, ""),
		Format:    s.storeFormat(ctx, request),
	})
	if err != nil {
		return errorResult(err), nil
	}

	// Surface past incidents the procedure should account for. Best-effort:
	// a failed lookup doesn't fail the store.
	incidents := model.CategoryIncidents
	related, err := s.mem.Search(ctx, memory.SearchRequest{
		Query:   title,
		Mode:    model.SearchSemantic,
		Filters: model.SearchFilters{Category: &incidents},
		Limit:   5,
	})
	if err != nil {
		s.logger.Debug("mcp: related-incident lookup failed", "error", err)
		related = nil
	}

	return s.shapeMemoryResult(ctx, request, jsonResult(map[string]any{
		"runbook":           compactMemory(m),
		"related_incidents": compactHits(related),
	})), nil
}

func (s *Server) handleSyncSSHConfig(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	config := request.GetString("config", "")
	if config != "" {
		m, err := s.mem.Store(ctx, memory.StoreRequest{
			Content:         config,
			Category:        string(model.CategoryInfrastructure),
			Tags:            []string{"ssh-config", "machine:" + s.machineID},
			AgentID:         s.callerAgent(ctx, request, ""),
			Confidentiality: model.ConfidentialityInternal,
			Format:          s.storeFormat(ctx, request),
		})
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{
			"memory_id":  m.ID,
			"machine_id": s.machineID,
			"status":     "published",
		}), nil
	}

	// Fetch: newest ssh-config memory, optionally scoped to one machine.
	infra := model.CategoryInfrastructure
	filters := model.SearchFilters{
		Category: &infra,
		Tags:     []string{"ssh-config"},
	}
	if machineID := request.GetString("machine_id", ""); machineID != "" {
		filters.Tags = append(filters.Tags, "machine:"+machineID)
	}
	recent, err := s.mem.Recent(ctx, filters, 1, 0)
	if err != nil {
		return errorResult(err), nil
	}
	if len(recent) == 0 {
		return errorResult(model.E(model.KindNotFound, "no ssh config published")), nil
	}
	m := recent[0]
	return jsonResult(map[string]any{
		"memory_id":  m.ID,
		"config":     m.Content,
		"updated_at": m.UpdatedAt,
	}), nil
}
