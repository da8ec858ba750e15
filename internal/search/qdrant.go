package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/haivemind/haivemind/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL              string // e.g. "http://localhost:6333"
	APIKey           string
	CollectionPrefix string // collection name is prefix + category
	Dims             uint64
}

// QdrantIndex implements Index backed by Qdrant, one collection per memory
// category so a category search never scans unrelated vectors.
type QdrantIndex struct {
	client *qdrant.Client
	prefix string
	dims   uint64
	logger *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "haivemind_"
	}
	return &QdrantIndex{
		client: client,
		prefix: prefix,
		dims:   cfg.Dims,
		logger: logger,
	}, nil
}

func (q *QdrantIndex) collection(c model.Category) string {
	return q.prefix + string(c)
}

// EnsureCollections creates missing collections and ensures payload indexes.
// CreateFieldIndex is idempotent on Qdrant, so index creation is always
// attempted and safely backfills indexes added after a collection existed.
func (q *QdrantIndex) EnsureCollections(ctx context.Context, categories []model.Category) error {
	for _, cat := range categories {
		name := q.collection(cat)
		exists, err := q.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("search: check collection exists: %w", err)
		}

		if !exists {
			m := uint64(16)
			efConstruct := uint64(128)
			if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     q.dims,
					Distance: qdrant.Distance_Cosine,
					HnswConfig: &qdrant.HnswConfigDiff{
						M:           &m,
						EfConstruct: &efConstruct,
					},
				}),
			}); err != nil {
				return fmt.Errorf("search: create collection %q: %w", name, err)
			}
			q.logger.Info("qdrant: created collection", "collection", name, "dims", q.dims)
		}

		keywordType := qdrant.FieldType_FieldTypeKeyword
		for _, field := range []string{"machine_id", "agent_id", "project_id", "tags", "confidentiality"} {
			if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      &keywordType,
			}); err != nil {
				return fmt.Errorf("search: ensure index on %q: %w", field, err)
			}
		}

		floatType := qdrant.FieldType_FieldTypeFloat
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      "created_unix",
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on created_unix: %w", err)
		}
	}
	return nil
}

// Upsert inserts or updates points, grouped by category collection.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	byCategory := make(map[model.Category][]*qdrant.PointStruct)
	for _, p := range points {
		payload := map[string]any{
			"machine_id":      p.MachineID,
			"agent_id":        p.AgentID,
			"confidentiality": string(p.Confidentiality),
			"created_unix":    float64(p.CreatedAt),
		}
		if p.ProjectID != "" {
			payload["project_id"] = p.ProjectID
		}
		if len(p.Tags) > 0 {
			payload["tags"] = p.Tags
		}
		byCategory[p.Category] = append(byCategory[p.Category], &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	for cat, pts := range byCategory {
		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection(cat),
			Wait:           qdrant.PtrOf(true),
			Points:         pts,
		}); err != nil {
			return fmt.Errorf("search: qdrant upsert %d points into %s: %w", len(pts), cat, err)
		}
	}
	return nil
}

// Delete removes points from a category's collection.
func (q *QdrantIndex) Delete(ctx context.Context, category model.Category, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection(category),
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points from %s: %w", len(ids), category, err)
	}
	return nil
}

// Query searches one collection, or every collection merged when the filter
// has no category. Over-fetches per collection so the merged cut is fair.
func (q *QdrantIndex) Query(ctx context.Context, embedding []float32, f QueryFilter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}

	categories := []model.Category{f.Category}
	if f.Category == "" {
		categories = model.Categories()
	}

	var all []Result
	for _, cat := range categories {
		results, err := q.queryCollection(ctx, cat, embedding, f, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (q *QdrantIndex) queryCollection(ctx context.Context, cat model.Category, embedding []float32, f QueryFilter, limit int) ([]Result, error) {
	name := q.collection(cat)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("search: check collection %s: %w", name, err)
	}
	if !exists {
		return nil, nil
	}

	var must []*qdrant.Condition
	if f.MachineID != "" {
		must = append(must, qdrant.NewMatch("machine_id", f.MachineID))
	}
	if f.AgentID != "" {
		must = append(must, qdrant.NewMatch("agent_id", f.AgentID))
	}
	if f.ProjectID != "" {
		must = append(must, qdrant.NewMatch("project_id", f.ProjectID))
	}
	if len(f.Tags) > 0 {
		must = append(must, qdrant.NewMatchKeywords("tags", f.Tags...))
	}
	if f.CreatedFrom > 0 {
		must = append(must, qdrant.NewRange("created_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.CreatedFrom)),
		}))
	}
	if f.CreatedTo > 0 {
		must = append(must, qdrant.NewRange("created_unix", &qdrant.Range{
			Lte: qdrant.PtrOf(float64(f.CreatedTo)),
		}))
	}

	var mustNot []*qdrant.Condition
	if f.ExcludeConfidential {
		mustNot = append(mustNot,
			qdrant.NewMatch("confidentiality", string(model.ConfidentialityConfidential)),
			qdrant.NewMatch("confidentiality", string(model.ConfidentialityPII)),
		)
	}

	var filter *qdrant.Filter
	if len(must) > 0 || len(mustNot) > 0 {
		filter = &qdrant.Filter{Must: must, MustNot: mustNot}
	}

	fetchLimit := uint64(limit) //nolint:gosec // bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query %s: %w", name, err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		memoryID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{MemoryID: memoryID, Category: cat, Score: sp.Score})
	}
	return results, nil
}

// Exists reports which ids are present in the category's collection.
func (q *QdrantIndex) Exists(ctx context.Context, category model.Category, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	name := q.collection(category)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("search: check collection %s: %w", name, err)
	}
	if !exists {
		return out, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(false),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant get %d points from %s: %w", len(ids), name, err)
	}
	for _, p := range points {
		if idStr := p.Id.GetUuid(); idStr != "" {
			if id, err := uuid.Parse(idStr); err == nil {
				out[id] = true
			}
		}
	}
	return out, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry are deduplicated via singleflight.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() rather than the caller's ctx: singleflight
	// reuses the first caller's context, and its cancellation would poison
	// the shared result.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// atomic.Value cannot store nil directly, so the error rides in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) { q.healthErr.Store(&err) }

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error { return q.client.Close() }
