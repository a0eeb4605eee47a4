// Package app is the composition root: it wires config, infrastructure
// clients, and every domain component together and runs the selected mode
// (api, worker, or migrate), mirroring the teacher's api/worker split.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/config"
	"github.com/jclee-lab/blacklist-sub003/internal/httpserver"
	"github.com/jclee-lab/blacklist-sub003/internal/platform"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/internal/telemetry"
	"github.com/jclee-lab/blacklist-sub003/internal/vault"
	"github.com/jclee-lab/blacklist-sub003/pkg/blacklistapi"
	"github.com/jclee-lab/blacklist-sub003/pkg/collectionapi"
	"github.com/jclee-lab/blacklist-sub003/pkg/collector"
	"github.com/jclee-lab/blacklist-sub003/pkg/firewallapi"
	"github.com/jclee-lab/blacklist-sub003/pkg/lifecycle"
	"github.com/jclee-lab/blacklist-sub003/pkg/query"
	"github.com/jclee-lab/blacklist-sub003/pkg/scheduler"
	"github.com/jclee-lab/blacklist-sub003/pkg/source"
)

// knownServices lists every collection service this deployment registers a
// Source implementation for. REGTECH is the reference implementation
// (§4.4); a future headless-HTTP source joins this list without touching
// the Collector, per §9's redesign guidance.
var knownServices = []string{"REGTECH"}

// Default cron triggers from spec §6's cron surface. The daily cleanup
// sweep and the 5-minute health heartbeat are driven directly by this
// package; the per-source collection cron lives on the Scheduler.
const (
	regtechCronExpr = "0 */6 * * *"
	sweepHour       = 0
	heartbeatEvery  = 5 * time.Minute
)

// Services is the explicit composition root passed to every component that
// needs it, replacing the teacher's process-wide singletons per §9.
type Services struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Cache     *cache.Cache
	Vault     *vault.Vault
	Store     *store.Store
	Sources   source.Registry
	Collector *collector.Collector
	Scheduler *scheduler.Scheduler
	Lifecycle *lifecycle.Engine
	Query     *query.Service
}

// Run reads config, connects to infrastructure, builds the composition
// root, and starts the mode selected by cfg.Mode: "api", "worker", or
// "migrate". It returns a non-nil error on any fatal condition; main
// chooses the process exit code (§6: 1 config, 2 init, 3 runtime).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting blacklist-sub003", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return &InitError{Err: fmt.Errorf("running migrations: %w", err)}
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return &InitError{Err: fmt.Errorf("connecting to database: %w", err)}
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return &InitError{Err: fmt.Errorf("connecting to redis: %w", err)}
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	svc := build(cfg, logger, db, rdb)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, svc, metricsReg)
	case "worker":
		return runWorker(ctx, svc)
	default:
		return &ConfigError{Err: fmt.Errorf("unknown mode: %s", cfg.Mode)}
	}
}

// build assembles every domain component over shared infrastructure. This
// is the only place component constructors are called — every other
// package receives its dependencies explicitly, never reaching for a
// global.
func build(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) *Services {
	c := cache.New(rdb, logger)
	v := vault.New(cfg.CredentialMasterKey, cfg.CredentialKDFSalt, c, logger)
	st := store.New(db, logger)

	sources := source.Registry{
		"REGTECH": source.NewRegTech("", logger),
	}

	coll := collector.New(st, v, c, sources, logger)

	q := scheduler.NewQueue(rdb, logger)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.QueueWorkers
	schedCfg.BusyRequeueDelay = cfg.QueueRetryDelay
	schedCfg.MaxBusyRequeues = cfg.QueueMaxRequeues
	schedCfg.CollectionTimeout = cfg.CollectionTimeout
	schedCfg.MaxRetryAttempts = cfg.CollectionRetryCount
	sched := scheduler.New(schedCfg, q, coll, st, logger)

	lc := lifecycle.New(st, c, cfg.RetentionDays, logger)
	qs := query.New(st, c, logger)

	return &Services{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Cache:     c,
		Vault:     v,
		Store:     st,
		Sources:   sources,
		Collector: coll,
		Scheduler: sched,
		Lifecycle: lc,
		Query:     qs,
	}
}

func runAPI(ctx context.Context, svc *Services, metricsReg *prometheus.Registry) error {
	cfg := svc.Config

	srv := httpserver.NewServer(cfg, svc.Logger, svc.DB, svc.Redis, metricsReg)

	rateLimiter := httpserver.NewRateLimiter(svc.Redis, cfg.RateLimitPerIP, cfg.RateLimitWindow)

	blHandler := blacklistapi.NewHandler(svc.Query, svc.Logger, knownServices)
	srv.Router.Mount("/api/blacklist", blHandler.Routes())
	srv.Router.Mount("/api/stats", blHandler.StatsRoutes())

	fwHandler := firewallapi.NewHandler(svc.Query, svc.Store, svc.Logger)
	srv.Router.Mount("/api/fortinet", fwHandler.Routes())

	collHandler := collectionapi.NewHandler(svc.Scheduler, svc.Store, svc.Vault, svc.Collector, cfg.IngestAPIKey, svc.Logger)
	srv.Router.Route("/api/collection", func(r chi.Router) {
		r.Use(rateLimiter.Middleware)
		r.Mount("/", collHandler.Routes())
	})

	if !cfg.DisableAutoCollect {
		if err := svc.Scheduler.Schedule("REGTECH", regtechCronExpr); err != nil {
			svc.Logger.Error("scheduling REGTECH cron trigger", "error", err)
		}
	}
	for _, name := range knownServices {
		if err := svc.Store.EnsureStatus(ctx, name); err != nil {
			svc.Logger.Warn("ensuring initial status row", "service", name, "error", err)
		}
	}
	svc.Scheduler.Start(ctx)
	defer svc.Scheduler.Stop()

	go heartbeatLoop(ctx, svc)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		svc.Logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		svc.Logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return &RuntimeError{Err: err}
		}
		return nil
	}
}

func runWorker(ctx context.Context, svc *Services) error {
	svc.Logger.Info("worker started")

	if !svc.Config.DisableAutoCollect {
		if err := svc.Scheduler.Schedule("REGTECH", regtechCronExpr); err != nil {
			svc.Logger.Error("scheduling REGTECH cron trigger", "error", err)
		}
	}
	svc.Scheduler.Start(ctx)
	defer svc.Scheduler.Stop()

	go heartbeatLoop(ctx, svc)

	svc.Lifecycle.RunSweepLoop(ctx, sweepHour)
	return nil
}

// heartbeatLoop refreshes the queue-depth gauge on the spec's 5-minute
// health heartbeat cadence (§6's cron surface).
func heartbeatLoop(ctx context.Context, svc *Services) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range knownServices {
				svc.Scheduler.ReportQueueDepth(ctx, name)
			}
		}
	}
}

// ConfigError signals a fatal configuration problem (exit code 1).
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// InitError signals a fatal startup/connection failure (exit code 2).
type InitError struct{ Err error }

func (e *InitError) Error() string { return e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }

// RuntimeError signals an unrecoverable failure after the process started
// serving traffic (exit code 3).
type RuntimeError struct{ Err error }

func (e *RuntimeError) Error() string { return e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }
