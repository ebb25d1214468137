package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/analyzer"
	"github.com/kiranshivaraju/docbatch/internal/api"
	"github.com/kiranshivaraju/docbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/internal/engine"
	"github.com/kiranshivaraju/docbatch/internal/export"
	"github.com/kiranshivaraju/docbatch/internal/metrics"
	"github.com/kiranshivaraju/docbatch/internal/progress"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 30 * time.Second
	maintenanceTimeout = 5 * time.Minute
	exportCleanupSpec  = "@hourly"
)

func serve(parent context.Context, cfg *config.Config) error {
	slog.Info("config loaded", "analyzer", cfg.Analyzer.Provider, "store", cfg.Database.Driver,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Database, true)
	if err != nil {
		return err
	}
	defer closeStore()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	a, err := analyzer.NewAnalyzer(cfg.Analyzer)
	if err != nil {
		return fmt.Errorf("create analyzer: %w", err)
	}
	slog.Info("analyzer initialized", "provider", a.Name())

	srv, err := newApp(cfg, st, redisCache, a)
	if err != nil {
		return err
	}
	return srv.run(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
}

// openStore returns the configured store and a func releasing it. Postgres
// migrations are applied when migrate is set.
func openStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory store; jobs do not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		slog.Info("database connected")
		if migrate {
			if err := store.RunMigrations(cfg.URL); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
			slog.Info("database migrations applied")
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// app is a fully wired server: engine, HTTP routes and maintenance schedule.
type app struct {
	engine    *engine.Engine
	events    progress.Bus
	persister *export.Persister
	handler   http.Handler
	cron      *cron.Cron
}

func newApp(cfg *config.Config, st store.Store, rc *cache.RedisCache, a models.Analyzer) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	// Progress crosses processes only when they share a store.
	var bus progress.Bus = progress.NewRedisBus(rc.Client())
	if cfg.Database.Driver == config.DriverMemory {
		bus = progress.NewBroker()
	}
	eng := engine.New(st, analyzer.NewInvoker(a, cfg.Analyzer.Timeout, m), bus, m, engine.ConfigFrom(cfg))

	exporter := export.NewExporter(st, m)
	persister, err := export.NewPersister(exporter, rc, cfg.Export.Dir, cfg.Export.TTL)
	if err != nil {
		return nil, err
	}

	router := api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(rc, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:      handler.NewHealthHandler(st, rc),
		BatchHealthHandler: handler.NewBatchHealthHandler(eng, rc),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),

		CreateJobHandler: handler.NewCreateJobHandler(eng),
		ListJobsHandler:  handler.NewListJobsHandler(eng),
		GetJobHandler:    handler.NewGetJobHandler(eng),
		AddItemsHandler:  handler.NewAddItemsHandler(eng),
		ListItemsHandler: handler.NewListItemsHandler(eng),
		StartJobHandler:  handler.NewStartJobHandler(eng),
		PauseJobHandler:  handler.NewPauseJobHandler(eng),
		CancelJobHandler: handler.NewCancelJobHandler(eng),
		ExportHandler:    handler.NewExportHandler(exporter, persister),
		EventsHandler:    handler.NewEventsHandler(eng, bus),
		FailuresHandler:  handler.NewFailuresHandler(eng),
		DownloadHandler:  handler.NewDownloadHandler(persister),

		StaleClaimsHandler: handler.NewStaleClaimsHandler(eng),
	})

	c := cron.New()
	if _, err := c.AddFunc(cfg.Engine.StaleSweep, func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		if _, err := eng.SweepStaleClaims(ctx); err != nil {
			slog.Warn("stale claim sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule stale claim sweep: %w", err)
	}
	if _, err := c.AddFunc(exportCleanupSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		if _, err := persister.Cleanup(ctx); err != nil {
			slog.Warn("export cleanup failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule export cleanup: %w", err)
	}

	return &app{engine: eng, events: bus, persister: persister, handler: router, cron: c}, nil
}

// run resumes interrupted jobs, then serves until ctx is cancelled or the engine
// or listener fails.
func (a *app) run(ctx context.Context, addr string) error {
	report, err := a.engine.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}
	slog.Info("interrupted jobs reconciled", "jobs", report.Jobs, "released_claims", report.Released)

	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.cron.Start()
	defer func() { <-a.cron.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.engine.Run(gctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}
