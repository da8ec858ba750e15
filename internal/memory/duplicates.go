package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/haivemind/haivemind/internal/model"
)

// DuplicatePair is one detected duplicate relation. Exact pairs share a
// content hash; near pairs crossed the similarity threshold.
type DuplicatePair struct {
	KeepID      uuid.UUID `json:"keep_id"`
	DuplicateID uuid.UUID `json:"duplicate_id"`
	Score       float64   `json:"score"`
	Exact       bool      `json:"exact"`
}

// detectScanCap bounds how many memories one detection pass embeds.
const detectScanCap = 200

// DetectDuplicates finds exact and near duplicates inside a category. The
// older memory of each pair is proposed as the keeper. Near detection embeds
// up to detectScanCap recent memories and probes the index, so it is an
// explicit maintenance operation, not something run per store.
func (e *Engine) DetectDuplicates(ctx context.Context, category model.Category, threshold float64) ([]DuplicatePair, error) {
	if category == "" {
		return nil, model.E(model.KindInvalidArgument, "category is required")
	}
	if threshold <= 0 {
		threshold = e.cfg.DedupThreshold
	}
	if threshold > 1 {
		return nil, model.E(model.KindInvalidArgument, "threshold must be in (0,1], got %v", threshold)
	}

	var pairs []DuplicatePair
	seen := make(map[string]bool)
	record := func(a, b model.Memory, score float64, exact bool) {
		keep, dup := a, b
		if dup.CreatedAt.Before(keep.CreatedAt) {
			keep, dup = dup, keep
		}
		key := keep.ID.String() + "/" + dup.ID.String()
		if seen[key] {
			return
		}
		seen[key] = true
		pairs = append(pairs, DuplicatePair{
			KeepID: keep.ID, DuplicateID: dup.ID, Score: score, Exact: exact,
		})
	}

	exactRows, err := e.db.DuplicateHashRows(ctx, category)
	if err != nil {
		return nil, mapStorageErr(err, "detect duplicates")
	}
	for i := 0; i < len(exactRows); {
		j := i + 1
		for j < len(exactRows) && exactRows[j].ContentHash == exactRows[i].ContentHash {
			j++
		}
		for k := i + 1; k < j; k++ {
			record(exactRows[i], exactRows[k], 1.0, true)
		}
		i = j
	}

	if _, err := e.detectNearDuplicates(ctx, category, threshold, record); err != nil {
		return nil, err
	}

	slices.SortFunc(pairs, func(a, b DuplicatePair) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	return pairs, nil
}

func (e *Engine) detectNearDuplicates(ctx context.Context, category model.Category, threshold float64, record func(a, b model.Memory, score float64, exact bool)) (int, error) {
	cat := category
	candidates, err := e.db.ListRecent(ctx, model.SearchFilters{Category: &cat}, detectScanCap, 0)
	if err != nil {
		return 0, mapStorageErr(err, "detect duplicates")
	}
	if len(candidates) < 2 {
		return 0, nil
	}

	byID := make(map[uuid.UUID]model.Memory, len(candidates))
	texts := make([]string, len(candidates))
	for i, m := range candidates {
		byID[m.ID] = m
		texts[i] = m.Content
	}
	vecs, err := e.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, model.Wrap(model.KindUnavailable, err, "embed duplicate candidates")
	}

	found := 0
	for i, m := range candidates {
		results, err := e.index.Query(ctx, vecs[i].Slice(), toQueryFilter(model.SearchFilters{Category: &cat}), 6)
		if err != nil {
			return found, model.Wrap(model.KindUnavailable, err, "probe duplicate candidates")
		}
		for _, r := range results {
			if r.MemoryID == m.ID || float64(r.Score) < threshold {
				continue
			}
			other, ok := byID[r.MemoryID]
			if !ok {
				fetched, err := e.db.GetMemory(ctx, r.MemoryID)
				if err != nil {
					continue
				}
				other = fetched
			}
			if !other.Live() || other.ContentHash == m.ContentHash {
				continue // exact pairs are reported by the hash pass
			}
			record(m, other, float64(r.Score), false)
			found++
		}
	}
	return found, nil
}

// MergeStrategy selects which memory of a duplicate set survives a merge.
type MergeStrategy string

const (
	KeepNewest            MergeStrategy = "newest"
	KeepOldest            MergeStrategy = "oldest"
	KeepHighestConfidence MergeStrategy = "highest_confidence"
)

// PickKeeper resolves a merge strategy to the surviving memory among ids.
// Deleted and unknown ids are skipped; highest_confidence ranks the set with
// the attached confidence scorer.
func (e *Engine) PickKeeper(ctx context.Context, ids []uuid.UUID, strategy MergeStrategy) (uuid.UUID, error) {
	if len(ids) < 2 {
		return uuid.Nil, model.E(model.KindInvalidArgument, "need at least two memories to merge")
	}

	var live []model.Memory
	for _, id := range ids {
		m, err := e.db.GetMemory(ctx, id)
		if err != nil {
			if model.IsKind(mapStorageErr(err, ""), model.KindNotFound) {
				continue
			}
			return uuid.Nil, mapStorageErr(err, "pick keeper")
		}
		if m.Live() {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return uuid.Nil, model.E(model.KindNotFound, "no live memories in the merge set")
	}

	keeper := live[0]
	switch strategy {
	case KeepNewest:
		for _, m := range live[1:] {
			if m.CreatedAt.After(keeper.CreatedAt) {
				keeper = m
			}
		}
	case KeepOldest:
		for _, m := range live[1:] {
			if m.CreatedAt.Before(keeper.CreatedAt) {
				keeper = m
			}
		}
	case KeepHighestConfidence:
		if e.scorer == nil {
			return uuid.Nil, model.E(model.KindUnavailable, "confidence scoring is not attached")
		}
		best := -1.0
		for _, m := range live {
			score, err := e.scorer.Score(ctx, m)
			if err != nil {
				return uuid.Nil, model.Wrap(model.KindUnavailable, err, "score merge candidate %s", m.ID)
			}
			if score > best {
				best, keeper = score, m
			}
		}
	default:
		return uuid.Nil, model.E(model.KindInvalidArgument, "unknown merge strategy %q", strategy)
	}
	return keeper.ID, nil
}

// MergeDuplicates folds duplicates into the keeper: tags are unioned onto the
// keeper and each duplicate is soft-deleted with a reason pointing back, so
// the merge stays reversible for the recovery window.
func (e *Engine) MergeDuplicates(ctx context.Context, keepID uuid.UUID, duplicateIDs []uuid.UUID, actor string) (model.Memory, error) {
	if len(duplicateIDs) == 0 {
		return model.Memory{}, model.E(model.KindInvalidArgument, "no duplicates to merge")
	}
	keeper, err := e.db.GetMemory(ctx, keepID)
	if err != nil {
		return model.Memory{}, mapStorageErr(err, "merge duplicates")
	}
	if !keeper.Live() {
		return model.Memory{}, model.E(model.KindNotFound, "keeper %s is deleted", keepID)
	}

	tagSet := make(map[string]bool, len(keeper.Tags))
	for _, t := range keeper.Tags {
		tagSet[t] = true
	}
	mergedTags := slices.Clone(keeper.Tags)
	reason := fmt.Sprintf("merged into %s", keepID)

	for _, dupID := range duplicateIDs {
		if dupID == keepID {
			return model.Memory{}, model.E(model.KindInvalidArgument, "cannot merge a memory into itself")
		}
		dup, err := e.db.GetMemory(ctx, dupID)
		if err != nil {
			if model.IsKind(mapStorageErr(err, ""), model.KindNotFound) {
				continue
			}
			return model.Memory{}, mapStorageErr(err, "merge duplicates")
		}
		if !dup.Live() {
			continue
		}
		for _, t := range dup.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				mergedTags = append(mergedTags, t)
			}
		}
		if err := e.Delete(ctx, dupID, actor, reason); err != nil {
			return model.Memory{}, err
		}
	}

	if len(mergedTags) != len(keeper.Tags) {
		keeper.Tags = mergedTags
		keeper.VectorClock = keeper.VectorClock.Tick(e.cfg.MachineID)
		keeper.UpdatedAt = time.Now().UTC()
		if err := e.db.UpdateMemory(ctx, keeper, keeper.Category); err != nil {
			return model.Memory{}, mapStorageErr(err, "merge duplicates")
		}
		e.emitUpsert(ctx, keeper)
	}
	return keeper, nil
}
