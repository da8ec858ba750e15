// Command haivemind-stdio serves the MCP tool surface over stdin/stdout for
// direct use by a local agent process. It shares storage with a running
// haivemind server but carries no HTTP transport, auth, or peer sync of its
// own; logs go to stderr because stdout is the protocol channel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/haivemind/haivemind/internal/bus"
	"github.com/haivemind/haivemind/internal/confidence"
	"github.com/haivemind/haivemind/internal/config"
	"github.com/haivemind/haivemind/internal/embedding"
	"github.com/haivemind/haivemind/internal/mcp"
	"github.com/haivemind/haivemind/internal/memory"
	"github.com/haivemind/haivemind/internal/model"
	"github.com/haivemind/haivemind/internal/registry"
	"github.com/haivemind/haivemind/internal/search"
	"github.com/haivemind/haivemind/internal/storage"
	"github.com/haivemind/haivemind/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelWarn
	if os.Getenv("HAIVEMIND_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var provider embedding.Provider
	switch cfg.EmbeddingProvider {
	case "openai":
		if p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions); err == nil {
			provider = p
		} else {
			logger.Warn("openai provider init failed, using noop", "error", err)
			provider = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
	case "ollama":
		provider = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	default:
		provider = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}

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
	} else {
		index = search.NewMemoryIndex()
	}

	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()
	cache := bus.NewCache(cfg.CacheTTL)

	tombstoneGrace := time.Duration(cfg.TombstoneGraceDays) * 24 * time.Hour
	mem := memory.New(db, index, provider, b, memory.Config{
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

	conf := confidence.New(db, index, provider, mem, b, confidence.Config{
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

	worker := search.NewOutboxWorker(db, index, provider, logger, cfg.VectorOutboxInterval, cfg.VectorOutboxBatch)
	worker.Start(ctx)

	mcpSrv := mcp.New(db, mem, conf, reg, nil, cache, cfg.MachineID, version, logger)

	// ServeStdio blocks until stdin closes or the context is cancelled.
	if err := mcpserver.ServeStdio(mcpSrv.MCPServer()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio serve: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	worker.Drain(drainCtx)
	drainCancel()
	return nil
}
