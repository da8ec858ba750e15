package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// Backfill re-enqueues vector upserts for live memories missing from the
// index, typically ones stored while the embedding provider was down. Run
// once at startup after the index is reachable; returns how many were
// enqueued.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	const batch = 500
	enqueued := 0
	for {
		ids, err := e.db.BackfillCandidates(ctx, batch)
		if err != nil {
			return enqueued, mapStorageErr(err, "backfill candidates")
		}
		if len(ids) == 0 {
			return enqueued, nil
		}

		memories, err := e.db.FetchByIDs(ctx, ids)
		if err != nil {
			return enqueued, mapStorageErr(err, "backfill fetch")
		}
		byCategory := make(map[model.Category][]uuid.UUID)
		for _, m := range memories {
			if m.Live() {
				byCategory[m.Category] = append(byCategory[m.Category], m.ID)
			}
		}

		missingAny := false
		for cat, catIDs := range byCategory {
			present, err := e.index.Exists(ctx, cat, catIDs)
			if err != nil {
				return enqueued, model.Wrap(model.KindUnavailable, err, "backfill index probe")
			}
			for _, id := range catIDs {
				if present[id] {
					continue
				}
				if err := e.db.EnqueueVectorOp(ctx, id, cat, "upsert"); err != nil {
					return enqueued, mapStorageErr(err, "backfill enqueue")
				}
				enqueued++
				missingAny = true
			}
		}

		// Candidates already present in the index stay candidates (nothing
		// marks them embedded), so a pass that enqueued nothing is done.
		if !missingAny || len(ids) < batch {
			if enqueued > 0 {
				e.logger.Info("memory: embedding backfill enqueued", "count", enqueued)
			}
			return enqueued, nil
		}
	}
}
