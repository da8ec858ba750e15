package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// Index is the vector store the Memory Engine searches against. Implemented
// by QdrantIndex for production and MemoryIndex for single-node and tests.
type Index interface {
	// EnsureCollections creates any missing per-category collections.
	EnsureCollections(ctx context.Context, categories []model.Category) error

	// Upsert writes points into their categories' collections.
	Upsert(ctx context.Context, points []Point) error

	// Delete removes a memory's point from a collection.
	Delete(ctx context.Context, category model.Category, ids []uuid.UUID) error

	// Query returns the closest points to the embedding, best first. A zero
	// filter category searches every collection and merges.
	Query(ctx context.Context, embedding []float32, f QueryFilter, limit int) ([]Result, error)

	// Exists reports which of the ids are present in the category's
	// collection. Used by the startup backfill.
	Exists(ctx context.Context, category model.Category, ids []uuid.UUID) (map[uuid.UUID]bool, error)

	// Healthy returns nil when the index is reachable.
	Healthy(ctx context.Context) error

	// Close releases connections.
	Close() error
}
