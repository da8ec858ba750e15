package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/search"
)

// SearchRequest is one memory search. Mode defaults to hybrid.
type SearchRequest struct {
	Query   string
	Mode    model.SearchMode
	Filters model.SearchFilters
	Limit   int
}

const snippetRunes = 240

// Search ranks memories against a query. Semantic mode searches the vector
// index, lexical mode searches Postgres full text, hybrid mixes both with the
// configured alpha. Confidential and pii memories are excluded when the
// filters ask for it; min_confidence applies after ranking.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, model.E(model.KindInvalidArgument, "query must not be empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = model.SearchHybrid
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	// Over-fetch per mode so post-rank filtering still fills the page.
	fetch := limit
	if req.Filters.MinConfidence != nil {
		fetch *= 3
	}

	var hits []model.SearchHit
	var err error
	switch mode {
	case model.SearchSemantic:
		hits, err = e.semanticSearch(ctx, query, req.Filters, fetch)
	case model.SearchLexical:
		hits, err = e.lexicalSearch(ctx, query, req.Filters, fetch)
	case model.SearchHybrid:
		hits, err = e.hybridSearch(ctx, query, req.Filters, fetch)
	default:
		return nil, model.E(model.KindInvalidArgument, "unknown search mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	if req.Filters.MinConfidence != nil {
		hits, err = e.filterByConfidence(ctx, hits, *req.Filters.MinConfidence)
		if err != nil {
			return nil, err
		}
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Recent returns live memories newest-first.
func (e *Engine) Recent(ctx context.Context, f model.SearchFilters, limit, offset int) ([]model.Memory, error) {
	out, err := e.db.ListRecent(ctx, f, limit, offset)
	if err != nil {
		return nil, mapStorageErr(err, "list recent")
	}
	return out, nil
}

func (e *Engine) semanticSearch(ctx context.Context, query string, f model.SearchFilters, limit int) ([]model.SearchHit, error) {
	results, err := e.semanticResults(ctx, query, f, limit)
	if err != nil {
		return nil, err
	}
	return e.hydrateHits(ctx, results)
}

func (e *Engine) lexicalSearch(ctx context.Context, query string, f model.SearchFilters, limit int) ([]model.SearchHit, error) {
	hits, err := e.db.LexicalSearch(ctx, query, f, limit)
	if err != nil {
		return nil, mapStorageErr(err, "lexical search")
	}
	return hits, nil
}

func (e *Engine) hybridSearch(ctx context.Context, query string, f model.SearchFilters, limit int) ([]model.SearchHit, error) {
	semantic, err := e.semanticResults(ctx, query, f, limit)
	if err != nil {
		// A degraded vector path falls back to pure lexical rather than
		// failing the search.
		e.logger.Warn("memory: semantic search unavailable, lexical only", "error", err)
		semantic = nil
	}
	lexical, err := e.db.LexicalSearch(ctx, query, f, limit)
	if err != nil {
		return nil, mapStorageErr(err, "lexical search")
	}
	merged := search.MergeHybrid(semantic, lexical, e.cfg.HybridAlpha, limit)
	return e.fillSnippets(ctx, merged)
}

func (e *Engine) semanticResults(ctx context.Context, query string, f model.SearchFilters, limit int) ([]search.Result, error) {
	vec, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, err, "embed query")
	}
	results, err := e.index.Query(ctx, vec.Slice(), toQueryFilter(f), limit)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, err, "vector query")
	}
	return results, nil
}

func toQueryFilter(f model.SearchFilters) search.QueryFilter {
	var qf search.QueryFilter
	if f.Category != nil {
		qf.Category = *f.Category
	}
	if f.MachineID != nil {
		qf.MachineID = *f.MachineID
	}
	if f.AgentID != nil {
		qf.AgentID = *f.AgentID
	}
	if f.ProjectID != nil {
		qf.ProjectID = *f.ProjectID
	}
	qf.Tags = f.Tags
	if f.From != nil {
		qf.CreatedFrom = f.From.Unix()
	}
	if f.To != nil {
		qf.CreatedTo = f.To.Unix()
	}
	qf.ExcludeConfidential = f.ExcludeConfidential
	return qf
}

// hydrateHits turns raw vector results into hits with snippets and format
// versions from the metadata store. Results whose rows vanished in the window
// between indexing and query are dropped.
func (e *Engine) hydrateHits(ctx context.Context, results []search.Result) ([]model.SearchHit, error) {
	if len(results) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.MemoryID
	}
	memories, err := e.db.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, mapStorageErr(err, "hydrate search hits")
	}
	hits := make([]model.SearchHit, 0, len(results))
	for _, r := range results {
		m, ok := memories[r.MemoryID]
		if !ok || !m.Live() {
			continue
		}
		hits = append(hits, model.SearchHit{
			ID:       r.MemoryID,
			Score:    float64(r.Score),
			Snippet:  snippet(m.Content),
			Category: m.Category,
			Format:   m.Format,
		})
	}
	return hits, nil
}

// fillSnippets completes hits that came out of the hybrid merge with only a
// semantic score and therefore no snippet yet.
func (e *Engine) fillSnippets(ctx context.Context, hits []model.SearchHit) ([]model.SearchHit, error) {
	var missing []uuid.UUID
	for _, h := range hits {
		if h.Snippet == "" {
			missing = append(missing, h.ID)
		}
	}
	if len(missing) == 0 {
		return hits, nil
	}
	memories, err := e.db.FetchByIDs(ctx, missing)
	if err != nil {
		return nil, mapStorageErr(err, "fill snippets")
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Snippet == "" {
			m, ok := memories[h.ID]
			if !ok || !m.Live() {
				continue
			}
			h.Snippet = snippet(m.Content)
			h.Format = m.Format
		}
		out = append(out, h)
	}
	return out, nil
}

func (e *Engine) filterByConfidence(ctx context.Context, hits []model.SearchHit, min float64) ([]model.SearchHit, error) {
	if e.scorer == nil {
		return hits, nil
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	memories, err := e.db.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, mapStorageErr(err, "confidence filter")
	}
	out := hits[:0]
	for _, h := range hits {
		m, ok := memories[h.ID]
		if !ok {
			continue
		}
		score, err := e.scorer.Score(ctx, m)
		if err != nil {
			e.logger.Warn("memory: confidence score failed, keeping hit", "memory_id", h.ID, "error", err)
			out = append(out, h)
			continue
		}
		if score >= min {
			out = append(out, h)
		}
	}
	return out, nil
}

func snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetRunes]) + "…"
}
