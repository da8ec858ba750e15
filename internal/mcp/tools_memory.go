package mcp

import (
	"context"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
)

func (s *Server) registerMemoryTools() {
	// store — write one memory to the collective.
	s.mcpServer.AddTool(
		mcplib.NewTool("store",
			mcplib.WithDescription(`Store a memory in the collective.

WHEN TO USE: After learning a fact worth sharing — an infrastructure detail,
an incident cause, a decision, a gotcha. One fact per memory; search first
to avoid storing what the hive already knows.

Content is normalized before hashing, so trivial whitespace differences do
not create duplicates. An exact duplicate in the same category is rejected
when dedup enforcement is on.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("content",
				mcplib.Description("The fact to remember. Dense and standalone: 'Redis cluster has 6 nodes on ports 6379-6384'"),
				mcplib.Required(),
			),
			mcplib.WithString("category",
				mcplib.Description("Routing category: infrastructure, incidents, runbooks, deployments, monitoring, security, project, conversation, agent, global. Unknown strings route to 'other'."),
			),
			mcplib.WithArray("tags",
				mcplib.Description("Lowercase retrieval tags, e.g. [\"redis\",\"cluster\"]"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("context", mcplib.Description("Optional provenance: where this fact came from")),
			mcplib.WithString("project_id", mcplib.Description("Project scope. Defaults to the workspace inferred from MCP roots.")),
			mcplib.WithString("user_id", mcplib.Description("Owning user, for GDPR operations")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent. Defaults to your authenticated identity.")),
			mcplib.WithString("confidentiality_level",
				mcplib.Description("normal (default), internal, confidential, or pii. Confidential and pii never leave this machine."),
			),
		),
		s.handleStore,
	)

	// retrieve — fetch one memory by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("retrieve",
			mcplib.WithDescription("Fetch a single memory by id, including full content. Reads of pii memories are audited."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent. Defaults to your authenticated identity.")),
		),
		s.handleRetrieve,
	)

	// update — patch a memory in place.
	s.mcpServer.AddTool(
		mcplib.NewTool("update",
			mcplib.WithDescription("Update a memory's content, tags, context, or category. Bumps this node's vector clock component; omitted fields are unchanged."),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("content", mcplib.Description("Replacement content")),
			mcplib.WithArray("tags", mcplib.Description("Replacement tag set"), mcplib.WithStringItems()),
			mcplib.WithString("context", mcplib.Description("Replacement context")),
			mcplib.WithString("category", mcplib.Description("Replacement category")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleUpdate,
	)

	// update_confidentiality — ratchet the level upward.
	s.mcpServer.AddTool(
		mcplib.NewTool("update_confidentiality",
			mcplib.WithDescription("Raise a memory's confidentiality level. The level only moves upward (normal -> internal -> confidential -> pii); lowering is rejected."),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("level", mcplib.Description("Target level: internal, confidential, or pii"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleUpdateConfidentiality,
	)

	// search — ranked memory search.
	s.mcpServer.AddTool(
		mcplib.NewTool("search",
			mcplib.WithDescription(`Search the collective's memories.

WHEN TO USE: Before storing (avoid duplicates) and before acting (someone
may have already learned what you need).

Modes: semantic (vector similarity, best for concepts), lexical (full text,
best for exact identifiers like hostnames and ports), hybrid (default,
mixes both).`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("query", mcplib.Description("What you're looking for"), mcplib.Required()),
			mcplib.WithString("mode", mcplib.Description("semantic, lexical, or hybrid (default)")),
			mcplib.WithString("category", mcplib.Description("Restrict to one category")),
			mcplib.WithString("project_id", mcplib.Description("Restrict to one project")),
			mcplib.WithArray("tags", mcplib.Description("Require all of these tags"), mcplib.WithStringItems()),
			mcplib.WithNumber("min_confidence", mcplib.Description("Drop results scoring below this confidence"), mcplib.Min(0), mcplib.Max(1)),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(100), mcplib.DefaultNumber(10)),
		),
		s.handleSearch,
	)

	// recent — newest memories first.
	s.mcpServer.AddTool(
		mcplib.NewTool("recent",
			mcplib.WithDescription("List recent memories, newest first. Good for session context: what has the hive learned lately?"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("category", mcplib.Description("Restrict to one category")),
			mcplib.WithString("project_id", mcplib.Description("Restrict to one project")),
			mcplib.WithString("agent_id", mcplib.Description("Restrict to one source agent")),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(100), mcplib.DefaultNumber(10)),
			mcplib.WithNumber("offset", mcplib.Min(0)),
		),
		s.handleRecent,
	)

	// stats — aggregate counts.
	s.mcpServer.AddTool(
		mcplib.NewTool("stats",
			mcplib.WithDescription("Memory statistics: totals, per-category counts, soft-deleted count, v1/v2 format split."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleStats,
	)

	// delete — soft by default, hard with a flag.
	s.mcpServer.AddTool(
		mcplib.NewTool("delete",
			mcplib.WithDescription("Delete a memory. Soft by default (recoverable for the configured TTL, default 30 days). hard=true purges immediately and requires confirm=true; purges are audited and tombstoned."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why this memory is being deleted")),
			mcplib.WithBoolean("hard", mcplib.Description("Purge instead of soft delete")),
			mcplib.WithBoolean("confirm", mcplib.Description("Required for hard deletes")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleDelete,
	)

	// bulk_delete — filtered soft delete with a preview step.
	s.mcpServer.AddTool(
		mcplib.NewTool("bulk_delete",
			mcplib.WithDescription("Soft-delete every live memory matching the filters. Without confirm=true it only reports the match count, so you always see the blast radius before committing."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithString("category", mcplib.Description("Filter: category")),
			mcplib.WithString("project_id", mcplib.Description("Filter: project")),
			mcplib.WithArray("tags", mcplib.Description("Filter: require all tags"), mcplib.WithStringItems()),
			mcplib.WithString("before", mcplib.Description("Filter: only memories updated before this RFC 3339 timestamp")),
			mcplib.WithString("reason", mcplib.Description("Why these memories are being deleted")),
			mcplib.WithBoolean("confirm", mcplib.Description("Actually delete instead of previewing")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleBulkDelete,
	)

	// recover — undo a soft delete within the TTL.
	s.mcpServer.AddTool(
		mcplib.NewTool("recover",
			mcplib.WithDescription("Recover a soft-deleted memory within its TTL, restoring pre-deletion content. After the TTL the deletion is final (DeletionExpired)."),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleRecover,
	)

	// list_deleted — what can still be recovered.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_deleted",
			mcplib.WithDescription("List soft-deleted memories still inside their recovery window."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("limit", mcplib.Min(1), mcplib.Max(200), mcplib.DefaultNumber(50)),
		),
		s.handleListDeleted,
	)

	// detect_duplicates — maintenance scan.
	s.mcpServer.AddTool(
		mcplib.NewTool("detect_duplicates",
			mcplib.WithDescription("Scan one category for exact and near duplicates. Returns keep/duplicate pairs with similarity scores; feed them to merge_duplicates. An explicit maintenance operation, not a per-store check."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("category", mcplib.Description("Category to scan"), mcplib.Required()),
			mcplib.WithNumber("threshold", mcplib.Description("Similarity threshold; defaults to the configured dedup threshold (0.90)"), mcplib.Min(0), mcplib.Max(1)),
		),
		s.handleDetectDuplicates,
	)

	// merge_duplicates — collapse a duplicate set into one keeper.
	s.mcpServer.AddTool(
		mcplib.NewTool("merge_duplicates",
			mcplib.WithDescription("Merge duplicate memories into one keeper: tags and context union onto the keeper, duplicates are soft-deleted with a merge reason. Name the keeper explicitly with keep_id, or let the keep strategy choose it from the set."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithArray("duplicate_ids", mcplib.Description("UUIDs of the duplicate set; the keeper is chosen among them unless keep_id names one"), mcplib.WithStringItems(), mcplib.Required()),
			mcplib.WithString("keep_id", mcplib.Description("UUID of the memory to keep; overrides the keep strategy")),
			mcplib.WithString("keep",
				mcplib.Description("Keeper selection strategy when keep_id is absent"),
				mcplib.Enum("newest", "oldest", "highest_confidence"),
				mcplib.DefaultString("oldest"),
			),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleMergeDuplicates,
	)

	// cleanup_expired — purge soft deletes past their TTL.
	s.mcpServer.AddTool(
		mcplib.NewTool("cleanup_expired",
			mcplib.WithDescription("Purge soft-deleted memories whose recovery window has lapsed. Runs automatically on a schedule; call manually to force a pass."),
			mcplib.WithDestructiveHintAnnotation(true),
		),
		s.handleCleanupExpired,
	)

	// gdpr_delete — erase one user's memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("gdpr_delete",
			mcplib.WithDescription("Hard-delete every memory owned by a user id. Requires confirm=true; writes an audit record. This is the right-to-erasure path, not routine cleanup."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithString("user_id", mcplib.Description("Owning user id"), mcplib.Required()),
			mcplib.WithBoolean("confirm", mcplib.Description("Required; without it the call fails with ConfirmationRequired")),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleGDPRDelete,
	)

	// gdpr_export — export one user's memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("gdpr_export",
			mcplib.WithDescription("Export every memory owned by a user id as JSON, including soft-deleted ones. The data-portability path; the export is audited."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("user_id", mcplib.Description("Owning user id"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Acting agent")),
		),
		s.handleGDPRExport,
	)
}

func (s *Server) handleStore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	if content == "" {
		return invalidResult("content is required"), nil
	}

	level := model.ConfidentialityLevel(request.GetString("confidentiality_level", string(model.ConfidentialityNormal)))
	if !level.Valid() {
		return invalidResult("unknown confidentiality_level %q", level), nil
	}

	projectID := request.GetString("project_id", "")
	if projectID == "" {
		projectID = inferProjectFromRoots(s.requestRoots(ctx))
	}

	m, err := s.mem.Store(ctx, memory.StoreRequest{
		Content:         content,
		Category:        request.GetString("category", ""),
		Tags:            request.GetStringSlice("tags", nil),
		Context:         request.GetString("context", ""),
		ProjectID:       projectID,
		UserID:          request.GetString("user_id", ""),
		AgentID:         s.callerAgent(ctx, request, "anonymous"),
		Confidentiality: level,
		Format:          s.storeFormat(ctx, request),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return s.shapeMemoryResult(ctx, request, jsonResult(compactMemory(m))), nil
}

func (s *Server) handleRetrieve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	m, err := s.mem.Retrieve(ctx, id, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return s.shapeMemoryResult(ctx, request, jsonResult(compactMemory(m))), nil
}

func (s *Server) handleUpdate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}

	var patch model.MemoryPatch
	if content := request.GetString("content", ""); content != "" {
		patch.Content = &content
	}
	if tags := request.GetStringSlice("tags", nil); tags != nil {
		patch.Tags = &tags
	}
	if c := request.GetString("context", ""); c != "" {
		patch.Context = &c
	}
	if cat := request.GetString("category", ""); cat != "" {
		normalized := model.NormalizeCategory(cat)
		patch.Category = &normalized
	}

	m, err := s.mem.Update(ctx, id, patch, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return s.shapeMemoryResult(ctx, request, jsonResult(compactMemory(m))), nil
}

func (s *Server) handleUpdateConfidentiality(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	level := model.ConfidentialityLevel(request.GetString("level", ""))
	if !level.Valid() {
		return invalidResult("unknown confidentiality level %q", level), nil
	}
	m, err := s.mem.UpdateConfidentiality(ctx, id, level, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"id":                    m.ID,
		"confidentiality_level": m.Confidentiality,
	}), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return invalidResult("query is required"), nil
	}

	mode := model.SearchMode(request.GetString("mode", string(model.SearchHybrid)))
	filters := s.parseFilters(request)

	hits, err := s.mem.Search(ctx, memory.SearchRequest{
		Query:   query,
		Mode:    mode,
		Filters: filters,
		Limit:   request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(err), nil
	}
	result := jsonResult(map[string]any{
		"hits":  compactHits(hits),
		"total": len(hits),
	})
	return s.shapeMemoryResult(ctx, request, result), nil
}

func (s *Server) handleRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filters := s.parseFilters(request)
	memories, err := s.mem.Recent(ctx, filters, request.GetInt("limit", 10), request.GetInt("offset", 0))
	if err != nil {
		return errorResult(err), nil
	}
	result := jsonResult(map[string]any{
		"memories": compactMemories(memories),
		"total":    len(memories),
	})
	return s.shapeMemoryResult(ctx, request, result), nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(stats), nil
}

func (s *Server) handleDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	actor := s.callerAgent(ctx, request, "anonymous")
	reason := request.GetString("reason", "")

	if request.GetBool("hard", false) {
		if err := s.mem.HardDelete(ctx, id, actor, reason, request.GetBool("confirm", false)); err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"id": id, "status": "purged"}), nil
	}

	if err := s.mem.Delete(ctx, id, actor, reason); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"id": id, "status": "soft_deleted"}), nil
}

func (s *Server) handleBulkDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filters := s.parseFilters(request)
	if before := request.GetString("before", ""); before != "" {
		ts, err := parseTimestamp(before)
		if err != nil {
			return errorResult(err), nil
		}
		filters.To = ts
	}

	res, err := s.mem.BulkDelete(ctx,
		filters,
		s.callerAgent(ctx, request, "anonymous"),
		request.GetString("reason", ""),
		request.GetBool("confirm", false),
	)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleRecover(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("memory_id", ""))
	if err != nil {
		return invalidResult("memory_id must be a UUID"), nil
	}
	m, err := s.mem.Recover(ctx, id, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(compactMemory(m)), nil
}

func (s *Server) handleListDeleted(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	memories, err := s.mem.ListDeleted(ctx, request.GetInt("limit", 50))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"memories": compactMemories(memories),
		"total":    len(memories),
	}), nil
}

func (s *Server) handleDetectDuplicates(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	category := model.NormalizeCategory(request.GetString("category", ""))
	pairs, err := s.mem.DetectDuplicates(ctx, category, request.GetFloat("threshold", 0))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"pairs": pairs,
		"total": len(pairs),
	}), nil
}

func (s *Server) handleMergeDuplicates(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetStringSlice("duplicate_ids", nil)
	if len(raw) == 0 {
		return invalidResult("duplicate_ids is required"), nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return invalidResult("duplicate_ids entry %q is not a UUID", r), nil
		}
		ids = append(ids, id)
	}

	var keepID uuid.UUID
	if explicit := request.GetString("keep_id", ""); explicit != "" {
		id, err := uuid.Parse(explicit)
		if err != nil {
			return invalidResult("keep_id must be a UUID"), nil
		}
		keepID = id
	} else {
		if len(ids) < 2 {
			return invalidResult("duplicate_ids needs at least two entries when keep_id is absent"), nil
		}
		strategy := memory.MergeStrategy(request.GetString("keep", string(memory.KeepOldest)))
		id, err := s.mem.PickKeeper(ctx, ids, strategy)
		if err != nil {
			return errorResult(err), nil
		}
		keepID = id
	}

	dupIDs := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != keepID {
			dupIDs = append(dupIDs, id)
		}
	}
	if len(dupIDs) == 0 {
		return invalidResult("duplicate_ids holds nothing besides the keeper"), nil
	}

	m, err := s.mem.MergeDuplicates(ctx, keepID, dupIDs, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"kept":   compactMemory(m),
		"merged": len(dupIDs),
	}), nil
}

func (s *Server) handleCleanupExpired(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	purged, err := s.mem.CleanupExpired(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"purged": purged}), nil
}

func (s *Server) handleGDPRDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return invalidResult("user_id is required"), nil
	}
	deleted, err := s.mem.GDPRDelete(ctx, userID, s.callerAgent(ctx, request, "anonymous"), request.GetBool("confirm", false))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"user_id": userID, "deleted": deleted}), nil
}

func (s *Server) handleGDPRExport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return invalidResult("user_id is required"), nil
	}
	memories, err := s.mem.GDPRExport(ctx, userID, s.callerAgent(ctx, request, "anonymous"))
	if err != nil {
		return errorResult(err), nil
	}
	// Full records, not the compact shape: an export must be complete.
	return jsonResult(map[string]any{
		"user_id":  userID,
		"memories": memories,
		"total":    len(memories),
	}), nil
}

// parseFilters reads the shared filter arguments used by search, recent,
// and bulk_delete.
func (s *Server) parseFilters(request mcplib.CallToolRequest) model.SearchFilters {
	var f model.SearchFilters
	if cat := request.GetString("category", ""); cat != "" {
		normalized := model.NormalizeCategory(cat)
		f.Category = &normalized
	}
	if p := request.GetString("project_id", ""); p != "" {
		f.ProjectID = &p
	}
	if m := request.GetString("machine_id", ""); m != "" {
		f.MachineID = &m
	}
	if a := request.GetString("agent_id", ""); a != "" {
		f.AgentID = &a
	}
	f.Tags = request.GetStringSlice("tags", nil)
	if min := request.GetFloat("min_confidence", 0); min > 0 {
		f.MinConfidence = &min
	}
	return f
}
