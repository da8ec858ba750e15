package mcp

import (
	"github.com/haivemind/haivemind/internal/model"
)

const maxCompactContext = 200

// compactMemory returns a minimal representation of a memory for MCP
// responses. Drops internal bookkeeping (content_hash, vector_clock,
// machine_id, deletion bookkeeping) that agents don't act on.
func compactMemory(m model.Memory) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"content":    m.Content,
		"category":   m.Category,
		"created_at": m.CreatedAt,
		"updated_at": m.UpdatedAt,
	}
	if len(m.Tags) > 0 {
		out["tags"] = m.Tags
	}
	if m.Context != "" {
		out["context"] = truncate(m.Context, maxCompactContext)
	}
	if m.ProjectID != "" {
		out["project_id"] = m.ProjectID
	}
	if m.SourceAgentID != "" {
		out["source_agent_id"] = m.SourceAgentID
	}
	if m.Confidentiality != model.ConfidentialityNormal {
		out["confidentiality_level"] = m.Confidentiality
	}
	if m.Format == model.FormatV1 {
		// v1 memories predate the compact format and can be rewritten.
		out["compressible"] = true
	}
	if m.DeletionState != model.DeletionLive {
		out["deletion_state"] = m.DeletionState
		if m.DeleteExpiresAt != nil {
			out["recoverable_until"] = m.DeleteExpiresAt
		}
	}
	return out
}

// compactMemories maps compactMemory over a slice, keeping order.
func compactMemories(ms []model.Memory) []map[string]any {
	out := make([]map[string]any, len(ms))
	for i, m := range ms {
		out[i] = compactMemory(m)
	}
	return out
}

// compactHit shapes a search hit, flagging v1 results as compressible.
func compactHit(h model.SearchHit) map[string]any {
	out := map[string]any{
		"id":       h.ID,
		"score":    h.Score,
		"snippet":  h.Snippet,
		"category": h.Category,
	}
	if h.Format == model.FormatV1 {
		out["compressible"] = true
	}
	return out
}

func compactHits(hits []model.SearchHit) []map[string]any {
	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = compactHit(h)
	}
	return out
}

// truncate shortens s to at most n runes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
