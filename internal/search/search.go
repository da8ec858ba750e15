// Package search provides the vector index behind semantic and hybrid memory
// search. Each memory category maps to its own collection; Postgres remains
// the source of truth and the index is kept consistent through the vector
// outbox worker.
package search

import (
	"sort"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// Result is one scored hit from the vector index. Score is cosine similarity
// in [0,1] for normalized embeddings.
type Result struct {
	MemoryID uuid.UUID
	Category model.Category
	Score    float32
}

// Point is the data needed to upsert a single memory into the index.
type Point struct {
	ID              uuid.UUID
	Category        model.Category
	MachineID       string
	AgentID         string
	ProjectID       string
	Tags            []string
	Confidentiality model.ConfidentialityLevel
	CreatedAt       int64 // unix seconds, for range filters
	Embedding       []float32
}

// QueryFilter narrows a vector query. Category selects one collection; empty
// means all collections.
type QueryFilter struct {
	Category            model.Category
	MachineID           string
	AgentID             string
	ProjectID           string
	Tags                []string
	CreatedFrom         int64
	CreatedTo           int64
	ExcludeConfidential bool
}

// DefaultHybridAlpha is the semantic weight in hybrid score mixing.
const DefaultHybridAlpha = 0.7

// MergeHybrid combines semantic and lexical hits into a single ranking:
// score = alpha*semantic + (1-alpha)*lexical, with absent components scoring
// zero. Hits present in both lists therefore outrank single-mode hits of
// equal strength. Results are sorted descending, ties broken by id for a
// stable order.
func MergeHybrid(semantic []Result, lexical []model.SearchHit, alpha float64, limit int) []model.SearchHit {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	merged := make(map[uuid.UUID]model.SearchHit)
	for _, r := range semantic {
		merged[r.MemoryID] = model.SearchHit{
			ID:       r.MemoryID,
			Category: r.Category,
			Score:    alpha * float64(r.Score),
		}
	}
	for _, h := range lexical {
		if prev, ok := merged[h.ID]; ok {
			prev.Score += (1 - alpha) * h.Score
			prev.Snippet = h.Snippet
			prev.Format = h.Format
			merged[h.ID] = prev
			continue
		}
		h.Score = (1 - alpha) * h.Score
		merged[h.ID] = h
	}

	out := make([]model.SearchHit, 0, len(merged))
	for _, h := range merged {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
