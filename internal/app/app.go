// Package app assembles the long-lived services into a running instance:
// store, cache client, progress hub, pipeline stages, orchestrator, and the
// HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/backpressure"
	"github.com/quarrylabs/quarry/internal/chunk"
	"github.com/quarrylabs/quarry/internal/clock/system"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/dedupe"
	"github.com/quarrylabs/quarry/internal/discover"
	"github.com/quarrylabs/quarry/internal/embed"
	"github.com/quarrylabs/quarry/internal/extract"
	"github.com/quarrylabs/quarry/internal/id/uuid"
	"github.com/quarrylabs/quarry/internal/meta"
	"github.com/quarrylabs/quarry/internal/orchestrate"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/politeness"
	"github.com/quarrylabs/quarry/internal/progress"
	"github.com/quarrylabs/quarry/internal/progress/sinks"
	"github.com/quarrylabs/quarry/internal/resilient"
	"github.com/quarrylabs/quarry/internal/storage/memory"
	"github.com/quarrylabs/quarry/internal/storage/postgres"
)

// Store is the persistence surface the app manages.
type Store interface {
	pipeline.Store
	Ping(ctx context.Context) error
	Close()
}

// App holds the shared services and the HTTP server.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *prometheus.Registry
	store        Store
	cache        *resilient.Client
	hub          *progress.Hub
	pool         *ants.Pool
	orchestrator *orchestrate.Orchestrator
	httpServer   *http.Server
}

// New builds the full service graph from config.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache, err := resilient.New(resilient.Options{
		Addr:              cfg.Redis.Addr,
		Password:          cfg.Redis.Password,
		DB:                cfg.Redis.DB,
		BreakerThreshold:  cfg.Redis.BreakerThreshold,
		BreakerCooldown:   time.Duration(cfg.Redis.BreakerCooldownSeconds) * time.Second,
		KeepaliveInterval: time.Duration(cfg.Redis.KeepaliveIntervalSeconds) * time.Second,
		FallbackTTL:       time.Duration(cfg.Redis.FallbackTTLMinutes) * time.Minute,
	}, logger.Named("cache"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cache client: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewCacheSink(cache, logger.Named("progress")),
	)

	extractor := extract.New(extract.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: int(cfg.Crawl.MaxBodyBytes),
	}, logger.Named("extract"))

	discoverer := discover.New(discover.Options{
		UserAgent: cfg.Crawl.UserAgent,
		MaxDepth:  cfg.Crawl.MaxDepth,
		Timeout:   cfg.FetchTimeout(),
	}, logger.Named("discover"))

	rules := meta.DefaultRules()
	if cfg.Metadata.MinPageLength > 0 {
		rules.MinPageLength = cfg.Metadata.MinPageLength
	}
	if cfg.Metadata.TopKeywords > 0 {
		rules.TopKeywords = cfg.Metadata.TopKeywords
	}

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	pool, err := ants.NewPool(2 * cfg.Backpressure.OwnedCeiling)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	orchestrator := orchestrate.New(
		store,
		extractor,
		meta.New(rules),
		discoverer,
		generator,
		discoverer.Robots(),
		politeness.New(politeness.Config{RPS: cfg.Crawl.PolitenessRPS}),
		pool,
		system.Clock{},
		uuid.Generator{},
		hub,
		orchestrate.Options{
			MaxPagesDefault: cfg.Crawl.MaxPagesDefault,
			JobDeadline:     cfg.JobDeadline(),
			RespectRobots:   cfg.Crawl.RespectRobots,
			Chunker: chunk.Options{
				MaxTokens:     cfg.Chunker.MaxTokens,
				CharsPerToken: cfg.Chunker.CharsPerToken,
			},
			Dedupe: dedupe.Options{
				MinChunkLen:       cfg.Dedupe.MinChunkLength,
				ExpectedChunks:    cfg.Dedupe.ExpectedChunks,
				FalsePositiveRate: cfg.Dedupe.FalsePositiveRate,
			},
			Backpressure: backpressure.Options{
				Floor:             cfg.Backpressure.Floor,
				Ceiling:           cfg.Backpressure.Ceiling,
				MemHighWaterBytes: cfg.Backpressure.MemHighWaterMB << 20,
				MemLowWaterBytes:  cfg.Backpressure.MemLowWaterMB << 20,
				ErrorWindow:       cfg.Backpressure.ErrorWindow,
				ErrorRateLimit:    cfg.Backpressure.ErrorRateLimit,
			},
			OwnedCeiling: cfg.Backpressure.OwnedCeiling,
			Retry:        embedRetry(cfg),
		},
		logger.Named("orchestrate"),
	)

	server := api.NewServer(
		ownedTagger{orchestrator: orchestrator, cfg: cfg},
		store,
		registry,
		api.Options{RequestTimeout: 60 * time.Second, MaxPagesLimit: 10 * cfg.Crawl.MaxPagesDefault},
		logger.Named("api"),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		cache:    cache,
		hub:      hub,
		pool:     pool,

		orchestrator: orchestrator,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves HTTP until ctx is canceled, then shuts everything down in
// dependency order.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", zap.Error(err))
	}
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("orchestrator shutdown", zap.Error(err))
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Error("progress hub close", zap.Error(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("cache close", zap.Error(err))
	}
	a.pool.Release()
	a.store.Close()
	return nil
}

func newStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.DB.Provider {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx, 0); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		return memory.New(), nil
	}
}

func newGenerator(cfg config.Config, logger *zap.Logger) (*embed.Generator, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Embedder.Model)}
	if cfg.Embedder.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.Embedder.APIKey))
	}
	if cfg.Embedder.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Embedder.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return embed.New(embedder, embed.Options{
		BatchSize:         cfg.Embedder.BatchSize,
		MaxTokensPerCall:  cfg.Embedder.MaxTokensPerCall,
		RequestsPerSecond: cfg.Embedder.RequestsPerSecond,
		Burst:             cfg.Embedder.Burst,
		CallTimeout:       time.Duration(cfg.Embedder.CallTimeoutSeconds) * time.Second,
		Retry:             embedRetry(cfg),
	}, logger.Named("embed")), nil
}

func embedRetry(cfg config.Config) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts: cfg.Embedder.MaxRetries,
		BaseDelay:   time.Duration(cfg.Embedder.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Embedder.BackoffMaxMs) * time.Millisecond,
	}
}

// ownedTagger marks submissions against operator-owned domains before they
// reach the orchestrator, so such jobs get the higher concurrency ceiling
// without the caller having to know the list.
type ownedTagger struct {
	orchestrator *orchestrate.Orchestrator
	cfg          config.Config
}

func (t ownedTagger) Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.CrawlJob, error) {
	if u, err := url.Parse(req.RootURL); err == nil && t.cfg.IsOwnedDomain(u.Hostname()) {
		req.OwnedSite = true
	}
	return t.orchestrator.Submit(ctx, req)
}

func (t ownedTagger) Status(ctx context.Context, jobID string) (pipeline.CrawlJob, error) {
	return t.orchestrator.Status(ctx, jobID)
}

func (t ownedTagger) Cancel(jobID string) error {
	return t.orchestrator.Cancel(jobID)
}
