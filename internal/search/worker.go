package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/haivemind/haivemind/internal/embedding"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/telemetry"
)

// OutboxStore is the slice of the metadata store the worker needs. *storage.DB
// implements it; tests substitute a fake.
type OutboxStore interface {
	ClaimVectorOps(ctx context.Context, batchSize, lockSeconds int) ([]storage.VectorOp, error)
	CompleteVectorOps(ctx context.Context, ids []int64) error
	FailVectorOps(ctx context.Context, ids []int64, errMsg string) error
	CleanupVectorDeadLetters(ctx context.Context) (int64, error)
	VectorOutboxDepth(ctx context.Context) (int64, error)
	FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Memory, error)
}

// OutboxWorker drains the vector outbox: it embeds pending memories and
// applies upserts and deletes to the index. Embedding happens here rather
// than on the write path, so a provider outage delays indexing instead of
// failing stores.
type OutboxWorker struct {
	store        OutboxStore
	index        Index
	provider     embedding.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context for the final poll
}

// NewOutboxWorker creates an outbox worker.
func NewOutboxWorker(store OutboxStore, index Index, provider embedding.Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &OutboxWorker{
		store:        store,
		index:        index,
		provider:     provider,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("vector outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Deliver the drain context before cancelLoop so pollLoop can receive it
	// on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("vector outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				// Direct cancellation without Drain (e.g. tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.ProcessBatch(batchCtx)
			cancel()
		}
	}
}

// ProcessBatch claims and applies one batch of pending operations. Exported
// so tests and the startup backfill can drive the worker synchronously.
func (w *OutboxWorker) ProcessBatch(ctx context.Context) {
	// Lock for 60 s, longer than the 30 s batch budget, so a slow batch is
	// never picked up twice.
	ops, err := w.store.ClaimVectorOps(ctx, w.batchSize, 60)
	if err != nil {
		w.logger.Error("vector outbox: claim batch", "error", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	var upserts, deletes []storage.VectorOp
	for _, op := range ops {
		switch op.Op {
		case "upsert":
			upserts = append(upserts, op)
		case "delete":
			deletes = append(deletes, op)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		if n, err := w.store.CleanupVectorDeadLetters(ctx); err != nil {
			w.logger.Error("vector outbox: cleanup dead-letters failed", "error", err)
		} else if n > 0 {
			w.logger.Info("vector outbox: cleaned dead-letter entries", "deleted", n)
		}
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, ops []storage.VectorOp) {
	memoryIDs := make([]uuid.UUID, len(ops))
	for i, op := range ops {
		memoryIDs[i] = op.MemoryID
	}

	memories, err := w.store.FetchByIDs(ctx, memoryIDs)
	if err != nil {
		w.logger.Error("vector outbox: fetch memories", "error", err, "count", len(memoryIDs))
		w.fail(ctx, ops, err.Error())
		return
	}

	// Rows deleted since enqueue simply complete; the delete op covers them.
	var live []model.Memory
	for _, op := range ops {
		if m, ok := memories[op.MemoryID]; ok && m.Live() {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		w.succeed(ctx, ops)
		return
	}

	texts := make([]string, len(live))
	for i, m := range live {
		texts[i] = m.Content
	}
	vecs, err := w.provider.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("vector outbox: embed batch", "error", err, "count", len(texts))
		w.fail(ctx, ops, err.Error())
		return
	}

	points := make([]Point, len(live))
	for i, m := range live {
		points[i] = Point{
			ID:              m.ID,
			Category:        m.Category,
			MachineID:       m.MachineID,
			AgentID:         m.SourceAgentID,
			ProjectID:       m.ProjectID,
			Tags:            m.Tags,
			Confidentiality: m.Confidentiality,
			CreatedAt:       m.CreatedAt.Unix(),
			Embedding:       vecs[i].Slice(),
		}
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("vector outbox: index upsert", "error", err, "count", len(points))
		w.fail(ctx, ops, err.Error())
		return
	}

	w.succeed(ctx, ops)
	w.logger.Info("vector outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, ops []storage.VectorOp) {
	byCategory := make(map[model.Category][]uuid.UUID)
	for _, op := range ops {
		byCategory[op.Category] = append(byCategory[op.Category], op.MemoryID)
	}
	for cat, ids := range byCategory {
		if err := w.index.Delete(ctx, cat, ids); err != nil {
			w.logger.Error("vector outbox: index delete", "error", err, "category", cat, "count", len(ids))
			w.fail(ctx, ops, err.Error())
			return
		}
	}
	w.succeed(ctx, ops)
	w.logger.Info("vector outbox: deleted", "count", len(ops))
}

func (w *OutboxWorker) succeed(ctx context.Context, ops []storage.VectorOp) {
	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := w.store.CompleteVectorOps(ctx, ids); err != nil {
		w.logger.Error("vector outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) fail(ctx context.Context, ops []storage.VectorOp, errMsg string) {
	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := w.store.FailVectorOps(ctx, ids, errMsg); err != nil {
		w.logger.Error("vector outbox: update failed entries", "error", err)
	}
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("haivemind/outbox")

	_, _ = meter.Int64ObservableGauge("haivemind.outbox.depth",
		metric.WithDescription("Number of pending entries in the vector outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.store.VectorOutboxDepth(ctx)
			if err != nil {
				return nil // non-fatal, skip this observation
			}
			o.Observe(depth)
			return nil
		}),
	)
}
