// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/api"
	"github.com/JakeFAU/sitesearch/internal/checkpoint"
	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/embed"
	"github.com/JakeFAU/sitesearch/internal/extract"
	collyfetcher "github.com/JakeFAU/sitesearch/internal/fetcher/colly"
	"github.com/JakeFAU/sitesearch/internal/id/uuid"
	"github.com/JakeFAU/sitesearch/internal/logging"
	"github.com/JakeFAU/sitesearch/internal/manager"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/policy/ratelimit"
	"github.com/JakeFAU/sitesearch/internal/progress"
	progresssinks "github.com/JakeFAU/sitesearch/internal/progress/sinks"
	"github.com/JakeFAU/sitesearch/internal/storage"
	"github.com/JakeFAU/sitesearch/internal/storage/local"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	manager     *manager.Manager
	pipeline    *checkpoint.Pipeline
	progressHub *progress.Hub
	broadcaster *progresssinks.Broadcaster
	index       *storage.Index
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("data_dir", cfg.Data.Dir),
		zap.Int("embedding_dims", cfg.Embedding.Dimensions),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Build creates the application's dependencies and restores persisted
// domains.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")
	if err := setupProgress(ctx, app, reg); err != nil {
		return nil, app.abort(err)
	}
	snapshots, err := setupStorage(app)
	if err != nil {
		return nil, app.abort(err)
	}
	app.pipeline = checkpoint.New(checkpoint.Config{
		Workers:     cfg.Checkpoint.Workers,
		FrontierDir: cfg.FrontierDir(),
	}, app.index, snapshots, app.progressHub, app.logger.Named("checkpoint"))

	deps, err := setupCrawl(app)
	if err != nil {
		return nil, app.abort(err)
	}
	app.manager, err = manager.New(manager.Config{
		FrontierDir:   cfg.FrontierDir(),
		ResumeOnStart: cfg.Crawler.ResumeOnStart,
		Crawl: crawler.Config{
			RobotsAgent:        cfg.Crawler.RobotsAgent,
			Delay:              cfg.Crawler.Delay,
			CheckpointEvery:    cfg.Crawler.CheckpointEvery,
			RejectionCacheSize: cfg.Crawler.RejectionCacheSize,
			RobotsOverrideDir:  cfg.Crawler.RobotsOverrideDir,
		},
	}, manager.Deps{
		Crawl:     deps,
		Index:     app.index,
		Snapshots: snapshots,
		IDs:       uuid.New(),
	})
	if err != nil {
		return nil, app.abort(fmt.Errorf("manager init failed: %w", err))
	}
	if err := app.manager.Load(ctx); err != nil {
		return nil, app.abort(fmt.Errorf("restore domains: %w", err))
	}

	app.apiServer = api.NewServer(app.manager, app.broadcaster, app.logger)
	return app, nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) error {
	app.broadcaster = progresssinks.NewBroadcaster()
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{app.broadcaster, promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

func setupStorage(app *App) (*local.SnapshotStore, error) {
	var err error
	app.index, err = storage.Open(app.cfg.IndexDir(), app.cfg.Embedding.Dimensions, app.logger.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("index init failed: %w", err)
	}
	snapshots, err := local.New(local.Config{BaseDir: app.cfg.SnapshotDir()})
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}
	app.logger.Debug("snapshot store", zap.String("path", app.cfg.SnapshotDir()))
	return snapshots, nil
}

func setupCrawl(app *App) (crawler.Deps, error) {
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:    app.cfg.Crawler.UserAgent,
		Timeout:      app.cfg.HTTP.Timeout,
		MaxRetries:   app.cfg.HTTP.MaxRetries,
		RetryBackoff: app.cfg.HTTP.RetryBackoff,
		MaxBodyBytes: app.cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return crawler.Deps{}, fmt.Errorf("fetcher init failed: %w", err)
	}
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", app.cfg.Crawler.UserAgent),
		zap.Duration("timeout", app.cfg.HTTP.Timeout),
		zap.Int("max_retries", app.cfg.HTTP.MaxRetries),
	)

	embedder, err := embed.New(app.cfg.Embedding.Dimensions, app.cfg.Crawler.MaxSentences)
	if err != nil {
		return crawler.Deps{}, fmt.Errorf("embedder init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{FetchConcurrency: app.cfg.Crawler.FetchConcurrency})
	app.logger.Info("rate limiter enabled",
		zap.Duration("delay", app.cfg.Crawler.Delay),
		zap.Int("fetch_concurrency", app.cfg.Crawler.FetchConcurrency),
	)

	return crawler.Deps{
		Fetcher:      fetcher,
		Extractor:    extract.New(),
		Embedder:     embedder,
		Checkpoints:  app.pipeline,
		Throttle:     limiter,
		Reachability: collyfetcher.NewProber(app.cfg.HTTP.ReachabilityAddress, app.cfg.HTTP.ReachabilityPoll, app.logger.Named("reachability")),
		Events:       app.progressHub,
		Clock:        system.New(),
		Logger:       app.logger.Named("crawler"),
	}, nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Event streams never finish on their own.
	_ = a.broadcaster.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close pauses every domain, drains pending checkpoints, then releases the
// index. Loops must stop before the pipeline closes, and the pipeline before
// the hub and the index it writes to.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Close(ctx); err != nil {
			a.logger.Warn("manager close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.pipeline != nil {
		if err := a.pipeline.Close(ctx); err != nil {
			a.logger.Warn("checkpoint pipeline close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("index close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// abort releases whatever was built before a setup step failed.
func (a *App) abort(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("cleanup after failed build", zap.Error(err))
	}
	return cause
}
