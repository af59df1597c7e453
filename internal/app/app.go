// Package app wires every component into the two runtime modes this
// module supports: api (serves the request pipeline) and worker (drives
// the OAuth refresh scheduler and the periodic reconciliation/sweep
// loops), per spec §4.5/§4.7/§6.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/aiproxy/internal/cachekv"
	"github.com/wisbric/aiproxy/internal/config"
	"github.com/wisbric/aiproxy/internal/credential"
	"github.com/wisbric/aiproxy/internal/httpserver"
	"github.com/wisbric/aiproxy/internal/keypool"
	"github.com/wisbric/aiproxy/internal/oauthrefresh"
	"github.com/wisbric/aiproxy/internal/oauthsession"
	"github.com/wisbric/aiproxy/internal/pipeline"
	"github.com/wisbric/aiproxy/internal/platform"
	"github.com/wisbric/aiproxy/internal/providerreg"
	"github.com/wisbric/aiproxy/internal/ratelimit"
	"github.com/wisbric/aiproxy/internal/refreshsched"
	"github.com/wisbric/aiproxy/internal/store"
	"github.com/wisbric/aiproxy/internal/svcauth"
	"github.com/wisbric/aiproxy/internal/telemetry"
	"github.com/wisbric/aiproxy/internal/trace"
	"github.com/wisbric/aiproxy/internal/version"
)

// components bundles everything shared between the api and worker modes,
// built once from the resolved configuration.
type components struct {
	db        *pgxpool.Pool
	rdb       *redis.Client
	st        *store.Store
	cache     cachekv.Cache
	registry  *providerreg.Registry
	limiter   *ratelimit.Limiter
	keys      *keypool.Scheduler
	sessions  *oauthsession.Service
	executor  *oauthrefresh.Executor
	creds     *credential.Resolver
	sched     *refreshsched.Scheduler
	tracer    *trace.Manager
	transport *pipeline.TransportPool
}

// Run is the process entry point: it loads infrastructure, builds every
// component, and starts the mode selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting aiproxy",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"version", version.Version,
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DatabasePool)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	var rdb *redis.Client
	var cache cachekv.Cache
	switch cfg.CacheBackend {
	case "remote":
		rdb, err = platform.NewRedisClient(ctx, cfg.CacheRedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		cache = cachekv.NewRedis(rdb)
	default:
		cache = cachekv.NewMemory()
	}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	c := build(db, rdb, cache, cfg, logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, c, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, c)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// build constructs every component over the shared infrastructure. The
// wiring order follows the dependency chain each component declares in
// its own package doc: store → registry/limiter/keypool → oauth →
// credential → refresh scheduler → trace → transport.
func build(db *pgxpool.Pool, rdb *redis.Client, cache cachekv.Cache, cfg *config.Config, logger *slog.Logger) *components {
	st := store.New(db)

	registry := providerreg.New(st, cache)
	limiter := ratelimit.New(cache, st)
	keys := keypool.New(st, cache, logger)
	sessions := oauthsession.New(st)
	executor := oauthrefresh.New(http.DefaultClient, sessions, logger)
	creds := credential.New(sessions, executor, registry, logger)
	sched := refreshsched.New(sessions, executor, registry, logger)

	rates := trace.SamplingRates{
		Basic:    cfg.TraceBasicSamplingRate,
		Detailed: cfg.TraceDetailedSamplingRate,
		Full:     cfg.TraceFullSamplingRate,
	}
	tracer := trace.New(st, limiter, rates, logger)

	return &components{
		db:        db,
		rdb:       rdb,
		st:        st,
		cache:     cache,
		registry:  registry,
		limiter:   limiter,
		keys:      keys,
		sessions:  sessions,
		executor:  executor,
		creds:     creds,
		sched:     sched,
		tracer:    tracer,
		transport: pipeline.NewTransportPool(),
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *components, metricsReg *prometheus.Registry) error {
	pl := pipeline.New(
		svcauth.New(c.st, c.cache),
		c.limiter,
		c.registry,
		c.keys,
		c.creds,
		c.tracer,
		c.transport,
		c.st,
		logger,
	)

	srv := httpserver.NewServer(cfg.CORSAllowedOrigins, logger, c.db, c.rdb, metricsReg)
	srv.MountPipeline(pl)

	// The refresh scheduler runs alongside the API server so tokens stay
	// fresh without a separate process being mandatory (spec §4.5).
	go func() {
		if err := c.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("refresh scheduler stopped", "error", err)
		}
	}()
	go runMaintenanceLoops(ctx, cfg, c, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses may run far longer than the pipeline's resolved upstream timeout
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *components) error {
	logger.Info("worker started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.sched.Run(ctx)
	}()

	runMaintenanceLoops(ctx, cfg, c, logger)

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runMaintenanceLoops drives the periodic, best-effort background work
// described in spec §4.3 (daily counter reconciliation) and §4.7 (orphaned
// trace row sweep). Both tolerate transient failures by logging and
// continuing on the next tick.
func runMaintenanceLoops(ctx context.Context, cfg *config.Config, c *components, logger *slog.Logger) {
	reconcileEvery, err := time.ParseDuration(cfg.ReconcileInterval)
	if err != nil || reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Minute
	}
	sweepEvery := time.Hour

	reconcileTicker := time.NewTicker(reconcileEvery)
	defer reconcileTicker.Stop()
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	orphanHorizon := time.Duration(cfg.TraceOrphanCleanupHours) * time.Hour
	if orphanHorizon <= 0 {
		orphanHorizon = 24 * time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			reconcileAll(ctx, c, logger)
		case <-sweepTicker.C:
			c.tracer.SweepOrphans(ctx, orphanHorizon)
		}
	}
}

// reconcileAll replaces every active service API's daily rate-limit
// counters with the authoritative totals computed from trace rows
// (spec §4.3: "the cache counter is then replaced, not merely adjusted").
func reconcileAll(ctx context.Context, c *components, logger *slog.Logger) {
	ids, err := c.st.ListServiceAPIIDs(ctx)
	if err != nil {
		logger.Error("reconcile: listing service API ids failed", "error", err)
		return
	}
	today := time.Now()
	for _, id := range ids {
		if err := c.limiter.Reconcile(ctx, id, today); err != nil {
			logger.Warn("reconcile: failed for service API", "service_api_id", id, "error", err)
		}
	}
}
