package search

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// MemoryIndex is an in-process Index for single-node installs and tests.
// Brute-force cosine scan; fine for the collection sizes a lone node holds.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[model.Category]map[uuid.UUID]Point
}

// NewMemoryIndex creates an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[model.Category]map[uuid.UUID]Point)}
}

// EnsureCollections is a no-op beyond map initialization.
func (x *MemoryIndex) EnsureCollections(_ context.Context, categories []model.Category) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range categories {
		if x.points[c] == nil {
			x.points[c] = make(map[uuid.UUID]Point)
		}
	}
	return nil
}

// Upsert stores points by category.
func (x *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range points {
		if x.points[p.Category] == nil {
			x.points[p.Category] = make(map[uuid.UUID]Point)
		}
		x.points[p.Category][p.ID] = p
	}
	return nil
}

// Delete removes points from a category.
func (x *MemoryIndex) Delete(_ context.Context, category model.Category, ids []uuid.UUID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.points[category], id)
	}
	return nil
}

// Query scans the selected categories and returns the closest points.
func (x *MemoryIndex) Query(_ context.Context, embedding []float32, f QueryFilter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	var results []Result
	for cat, pts := range x.points {
		if f.Category != "" && cat != f.Category {
			continue
		}
		for _, p := range pts {
			if !matchesFilter(p, f) {
				continue
			}
			results = append(results, Result{
				MemoryID: p.ID,
				Category: cat,
				Score:    cosine(embedding, p.Embedding),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func matchesFilter(p Point, f QueryFilter) bool {
	if f.MachineID != "" && p.MachineID != f.MachineID {
		return false
	}
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.ProjectID != "" && p.ProjectID != f.ProjectID {
		return false
	}
	if f.CreatedFrom > 0 && p.CreatedAt < f.CreatedFrom {
		return false
	}
	if f.CreatedTo > 0 && p.CreatedAt > f.CreatedTo {
		return false
	}
	if f.ExcludeConfidential &&
		(p.Confidentiality == model.ConfidentialityConfidential || p.Confidentiality == model.ConfidentialityPII) {
		return false
	}
	if len(f.Tags) > 0 {
		have := make(map[string]struct{}, len(p.Tags))
		for _, t := range p.Tags {
			have[t] = struct{}{}
		}
		any := false
		for _, t := range f.Tags {
			if _, ok := have[t]; ok {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// Exists reports which ids are stored in the category.
func (x *MemoryIndex) Exists(_ context.Context, category model.Category, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if _, ok := x.points[category][id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// Healthy always succeeds.
func (x *MemoryIndex) Healthy(context.Context) error { return nil }

// Close is a no-op.
func (x *MemoryIndex) Close() error { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
