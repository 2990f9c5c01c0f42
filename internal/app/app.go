// Package app wires every long-lived component once at startup. Handlers,
// the worker and the admin CLI receive their dependencies from an App
// instead of reaching for package-level state.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/relaize/internal/api"
	"github.com/kiranshivaraju/relaize/internal/api/handler"
	mw "github.com/kiranshivaraju/relaize/internal/api/middleware"
	"github.com/kiranshivaraju/relaize/internal/cache"
	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/inference/provider"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/internal/pipeline"
	"github.com/kiranshivaraju/relaize/internal/processor"
	"github.com/kiranshivaraju/relaize/internal/queue"
	"github.com/kiranshivaraju/relaize/internal/report"
	"github.com/kiranshivaraju/relaize/internal/stage"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/internal/superres"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config *config.Config

	Redis   *redis.Client
	Store   store.Store
	Queue   queue.Queue
	Cache   cache.Cache
	Catalog *catalog.Catalog

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Loader    inference.Loader
	Engines   *superres.Registry
	Stages    *stage.Executor
	Processor *processor.Processor

	Tasks   *task.Service
	Reports *report.Generator
	Worker  *worker.Worker
	Router  http.Handler

	previewLog *zap.Logger
	closers    []func()
}

// New connects to Redis and the optional relational mirror and builds the
// processing stack. Close releases everything New acquired, including on
// a partial failure.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	a, err := NewWithClient(ctx, cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Close() })
	return a, nil
}

// NewWithClient builds the App on an existing Redis connection, which the
// caller keeps ownership of.
func NewWithClient(ctx context.Context, cfg *config.Config, client *redis.Client) (a *App, err error) {
	a = &App{Config: cfg, Redis: client}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// 1. Task store, optionally mirrored into a relational database
	var st store.Store = store.NewRedisStore(client)
	if cfg.Database.Driver != "" {
		rel, closeRel, err := store.OpenRelational(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open %s mirror: %w", cfg.Database.Driver, err)
		}
		a.closers = append(a.closers, closeRel)
		st = store.NewMirroredStore(st, rel)
		slog.Info("relational mirror enabled", "driver", cfg.Database.Driver)
	}
	a.Store = st
	a.Queue = queue.NewRedisQueue(client)
	a.Cache = cache.NewRedisCacheFromClient(client)

	// 2. Metrics
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	// 3. Catalog
	a.Catalog, err = catalog.Load(cfg.Catalog.File)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("catalog loaded", "models", len(a.Catalog.Models()), "pipelines", len(a.Catalog.Pipelines()))

	// 4. Inference backend and engines
	a.Loader, err = provider.NewLoader(cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("create inference backend: %w", err)
	}
	if c, ok := a.Loader.(io.Closer); ok {
		a.closers = append(a.closers, func() {
			if err := c.Close(); err != nil {
				slog.Warn("failed to close inference backend", "error", err)
			}
		})
	}
	a.Engines, err = superres.NewRegistry(a.Catalog, a.Loader, cfg.SuperRes, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create engine registry: %w", err)
	}
	a.closers = append(a.closers, a.Engines.Close)
	slog.Info("inference backend initialized", "provider", a.Loader.Name())

	// 5. Stage executor, pipeline runner, processor
	a.Stages = stage.NewExecutor(a.Catalog, a.Engines, a.Loader, stage.Options{
		FaceRestore:   cfg.FaceRestore,
		WeightsDir:    cfg.Inference.WeightsDir,
		VerifyWeights: cfg.Inference.Provider == config.InferenceProviderBridge,
	})
	a.closers = append(a.closers, func() {
		if err := a.Stages.Close(); err != nil {
			slog.Warn("failed to close stage backends", "error", err)
		}
	})
	runner := pipeline.NewRunner(a.Catalog, a.Stages, cfg.FaceRestore, a.Metrics)
	a.Processor = processor.New(runner)

	// 6. Services
	a.Tasks = task.NewService(a.Store, a.Queue, a.Processor, cfg.Storage, a.Metrics)
	if err := a.Tasks.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create storage dirs: %w", err)
	}
	a.Reports = report.NewGenerator(a.Tasks, a.Cache, report.DefaultTTL)
	a.Worker = worker.New(a.Queue, a.Tasks, a.Processor, cfg.Worker, a.Metrics)

	// 7. HTTP surface
	a.previewLog, err = handler.NewPreviewLog(cfg.Preview.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("open preview log: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.previewLog.Sync() })
	a.Router = a.newRouter()

	return a, nil
}

func (a *App) newRouter() http.Handler {
	tasks := handler.NewTasks(a.Tasks, a.previewLog, handler.DefaultMaxUploadBytes)
	reports := handler.NewReports(a.Reports)
	cat := handler.NewCatalog(a.Catalog)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.Config.Auth.APIKeyHashes),
		RateLimit: mw.NewRateLimit(a.Cache, a.Config.Server.RateLimitPerMinute),

		HealthHandler:  handler.Health(a.Store, a.Cache, a.Queue),
		MetricsHandler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),

		UploadHandler:        tasks.Upload,
		ListTasksHandler:     tasks.List,
		ClearTasksHandler:    tasks.ClearAll,
		GetTaskHandler:       tasks.Get,
		UpdateTaskHandler:    tasks.Update,
		SourceHandler:        tasks.Source,
		PreviewHandler:       tasks.Preview,
		ProcessHandler:       tasks.Reprocess,
		AdjustHandler:        tasks.Adjust,
		CancelHandler:        tasks.Cancel,
		PreviewAdjustHandler: tasks.PreviewAdjust,

		ReportHandler: reports.Get,

		CatalogHandler:   cat.All,
		ModelsHandler:    cat.Models,
		PipelinesHandler: cat.Pipelines,
	})
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
