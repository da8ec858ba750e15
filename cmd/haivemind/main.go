package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/haivemind/haivemind/internal/auth"
	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/embedding"
	"github.com/haivemind/haivemind/internal/mcp"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/peersync"
	"github.com/haivemind/haivemind/internal/ratelimit"
	"github.com/haivemind/haivemind/internal/registry"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/server"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/internal/telemetry"
	"github.com/haivemind/haivemind/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes by failure class, so supervisors can tell a bad config from a
// dead database or an unreachable mesh.
const (
	exitConfig  = 1
	exitStorage = 2
	exitPeering = 3
)

// fatalError pins a startup failure to its exit code.
type fatalError struct {
	code int
	err  error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(code int, err error) error { return &fatalError{code: code, err: err} }

// exitCode maps an error from run to the process exit code. Failures without
// a classification exit with the config code.
func exitCode(err error) int {
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.code
	}
	return exitConfig
}

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HAIVEMIND_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return exitCode(err)
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fatal(exitConfig, fmt.Errorf("load config: %w", err))
	}

	slog.Info("haivemind starting", "version", version, "machine_id", cfg.MachineID, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres, the source of truth for everything.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fatal(exitStorage, fmt.Errorf("storage: %w", err))
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fatal(exitStorage, fmt.Errorf("migrations: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Vector index: Qdrant when configured, otherwise an in-process index
	// good enough for single-node and development use.
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:              cfg.QdrantURL,
			APIKey:           cfg.QdrantAPIKey,
			CollectionPrefix: cfg.CollectionPrefix,
			Dims:             uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollections(ctx, model.Categories()); err != nil {
			return fmt.Errorf("qdrant ensure collections: %w", err)
		}
		index = qdrantIndex
		logger.Info("vector index: qdrant", "prefix", cfg.CollectionPrefix)
	} else {
		index = search.NewMemoryIndex()
		logger.Info("vector index: in-process (no QDRANT_URL)")
	}

	// Event bus: NATS for multi-process fan-out, in-process otherwise.
	var b bus.Bus
	if cfg.NATSURL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		b = natsBus
		logger.Info("event bus: nats", "url", cfg.NATSURL)
	} else {
		b = bus.NewMemoryBus()
		logger.Info("event bus: in-process (no HAIVEMIND_NATS_URL)")
	}
	defer func() { _ = b.Close() }()

	cache := bus.NewCache(cfg.CacheTTL)

	tombstoneGrace := time.Duration(cfg.TombstoneGraceDays) * 24 * time.Hour

	mem := memory.New(db, index, embedder, b, memory.Config{
		MachineID:          cfg.MachineID,
		MaxContentBytes:    cfg.MaxContentBytes,
		DedupEnforced:      cfg.DedupEnforced,
		DedupThreshold:     cfg.DedupThreshold,
		HybridAlpha:        cfg.HybridAlpha,
		SoftDeleteTTL:      time.Duration(cfg.SoftDeleteTTLDays) * 24 * time.Hour,
		TombstoneGrace:     tombstoneGrace,
		PIIAuditEnabled:    cfg.PIIAuditEnabled,
		PIIAllowedMachines: cfg.PIIAllowedMachines,
	}, logger)

	conf := confidence.New(db, index, embedder, mem, b, confidence.Config{
		MachineID:    cfg.MachineID,
		Weights:      cfg.ConfidenceWeights,
		HalfLifeDays: cfg.HalfLifeDays,
	}, logger)
	mem.SetScorer(conf)

	reg, err := registry.New(db, b, cache, mem, registry.Config{
		MachineID:         cfg.MachineID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleAfter:         cfg.IdleAfter,
		OfflineAfter:      cfg.OfflineAfter,
		QueryTimeout:      cfg.QueryTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// Peer sync stack. The RPC listener runs whenever sync is configured so
	// this node can serve pulls even if it has no peers of its own.
	applier := peersync.NewApplier(db, b, peersync.ApplyConfig{
		MachineID:      cfg.MachineID,
		TombstoneGrace: tombstoneGrace,
	}, logger)

	var syncer *peersync.Syncer
	var syncHTTP *http.Server
	if len(cfg.SyncPeers) > 0 || cfg.SyncToken != "" {
		syncBroker, err := peersync.NewBroker(cfg.MachineID, b, logger)
		if err != nil {
			return fatal(exitPeering, fmt.Errorf("sync broker: %w", err))
		}
		defer syncBroker.Close()

		syncSrv := peersync.NewServer(db, applier, syncBroker, peersync.ServerConfig{
			MachineID: cfg.MachineID,
			Token:     cfg.SyncToken,
			Peers:     cfg.SyncPeers,
		}, logger)
		syncHTTP = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.SyncPort),
			Handler:     syncSrv.Mux(),
			ReadTimeout: cfg.ReadTimeout,
			// Pull responses and SSE-style streams outlive any fixed timeout.
			WriteTimeout: 0,
		}
		logger.Info("sync listener enabled", "port", cfg.SyncPort, "peers", len(cfg.SyncPeers))

		if len(cfg.SyncPeers) > 0 {
			syncer = peersync.NewSyncer(db, applier, b, peersync.SyncerConfig{
				MachineID:      cfg.MachineID,
				Peers:          cfg.SyncPeers,
				Token:          cfg.SyncToken,
				WorkersPerPeer: cfg.SyncWorkersPerPeer,
				QueueDepth:     cfg.SyncQueueDepth,
			}, logger)
			if err := syncer.Start(ctx); err != nil {
				return fatal(exitPeering, fmt.Errorf("syncer: %w", err))
			}
		}
	} else {
		logger.Info("sync disabled (no peers and no sync token)")
	}

	// The interface value must stay nil when there is no syncer, or
	// sync_status would report an empty mesh instead of single-node mode.
	var syncInfo mcp.SyncInfo
	if syncer != nil {
		syncInfo = syncer
	}

	mcpSrv := mcp.New(db, mem, conf, reg, syncInfo, cache, cfg.MachineID, version, logger)

	// The outbox worker embeds and indexes asynchronously so provider
	// outages delay search convergence instead of failing writes.
	outboxWorker := search.NewOutboxWorker(db, index, embedder, logger, cfg.VectorOutboxInterval, cfg.VectorOutboxBatch)
	outboxWorker.Start(ctx)

	// Backfill vectors for memories stored while the provider was noop.
	// Runs once at startup, non-fatal.
	if n, err := mem.Backfill(ctx); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill complete", "count", n)
	}

	sseBroker, err := server.NewBroker(b, logger)
	if err != nil {
		return fmt.Errorf("sse broker: %w", err)
	}
	defer sseBroker.Close()

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewAgentLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: in-process token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.Config{
		MCP:           mcpSrv,
		JWTMgr:        jwtMgr,
		AdminToken:    cfg.AdminToken,
		Logger:        logger,
		Limiter:       limiter,
		Broker:        sseBroker,
		Sync:          syncInfo,
		DefaultTools:  cfg.ToolAllowList,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
		MachineID:     cfg.MachineID,
		Version:       version,
	})

	// Background maintenance: a daily sweep for lifecycle and journal
	// hygiene, plus faster loops for liveness and contradiction detection.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
		runDailySweep(context.Background(), db, mem, tombstoneGrace, logger)
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	go livenessLoop(ctx, reg, cfg.HeartbeatInterval, logger)
	go contradictionLoop(ctx, conf, cfg.ContradictionInterval, logger)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if syncHTTP != nil {
		go func() {
			logger.Info("sync server starting", "addr", syncHTTP.Addr)
			if err := syncHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting MCP
	// and sync requests and drain in-flight (they may still enqueue outbox
	// work), (2) stop pushing to peers, (3) flush the vector outbox.
	slog.Info("haivemind shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if syncHTTP != nil {
		syncCtx, syncCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := syncHTTP.Shutdown(syncCtx); err != nil {
			slog.Error("sync shutdown error", "error", err)
		}
		syncCancel()
	}
	if syncer != nil {
		syncer.Stop()
	}

	outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	outboxWorker.Drain(outboxCtx)
	outboxCancel()

	slog.Info("haivemind stopped")
	return nil
}

// runDailySweep runs the scheduled lifecycle and journal maintenance. Every
// step is independent; failures log and move on.
func runDailySweep(ctx context.Context, db *storage.DB, mem *memory.Engine, tombstoneGrace time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	now := time.Now().UTC()

	if n, err := mem.CleanupExpired(ctx); err != nil {
		logger.Warn("sweep: cleanup expired failed", "error", err)
	} else if n > 0 {
		logger.Info("sweep: expired soft-deletes purged", "count", n)
	}

	if n, err := db.PurgeTombstones(ctx, now); err != nil {
		logger.Warn("sweep: purge tombstones failed", "error", err)
	} else if n > 0 {
		logger.Info("sweep: tombstones purged", "count", n)
	}

	// Journal entries older than the tombstone grace window are no longer
	// needed for peer convergence; peers further behind than that resync
	// from a full pull anyway.
	if n, err := db.TrimJournal(ctx, now.Add(-tombstoneGrace)); err != nil {
		logger.Warn("sweep: trim journal failed", "error", err)
	} else if n > 0 {
		logger.Info("sweep: journal trimmed", "count", n)
	}

	if n, err := db.PurgeProcessedEvents(ctx, now.Add(-tombstoneGrace)); err != nil {
		logger.Warn("sweep: purge processed events failed", "error", err)
	} else if n > 0 {
		logger.Info("sweep: processed events purged", "count", n)
	}
}

// livenessLoop demotes silent agents and retries pending task deliveries.
func livenessLoop(ctx context.Context, reg *registry.Registry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := reg.SweepLiveness(ctx); err != nil {
				logger.Warn("liveness sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("liveness sweep demoted agents", "count", n)
			}
			if n, err := reg.RetryPending(ctx, 50); err != nil {
				logger.Warn("pending task retry failed", "error", err)
			} else if n > 0 {
				logger.Info("pending tasks retried", "count", n)
			}
		}
	}
}

// contradictionLoop periodically scans recent memories for contradicting
// pairs and records them for the confidence engine.
func contradictionLoop(ctx context.Context, conf *confidence.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := conf.SweepContradictions(ctx); err != nil {
				logger.Warn("contradiction sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("contradictions detected", "count", n)
			}
		}
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HAIVEMIND_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Auto-detect: prefer Ollama (on-premises, no cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
