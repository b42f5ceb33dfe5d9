// Package main is the entrypoint for the Mindscope gateway server.
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

	"github.com/kiranshivaraju/mindscope/internal/api"
	"github.com/kiranshivaraju/mindscope/internal/api/handler"
	mw "github.com/kiranshivaraju/mindscope/internal/api/middleware"
	"github.com/kiranshivaraju/mindscope/internal/api/response"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/engine"
	"github.com/kiranshivaraju/mindscope/internal/metrics"
	"github.com/kiranshivaraju/mindscope/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("config loaded", "env", cfg.Server.Env, "push_enabled", cfg.Push.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	eng := engine.New(cfg,
		engine.WithBackend(redisCache),
		engine.WithLedger(pgStore),
		engine.WithMetrics(m),
		engine.WithLogger(logger),
	)
	defer eng.Close()

	go pruneLoop(ctx, cfg.Cache.PruneInterval, logger, eng)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, logger),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitRPM),
		Logger:    logger,
		Observer:  m,

		HealthHandler:   healthHandler(pgStore, redisCache),
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		SubmitHandler:   handler.NewSubmitHandler(eng.Service),
		ListSubmissions: handler.NewListSubmissionsHandler(eng.Service),
		GetSubmission:   handler.NewGetSubmissionHandler(eng.Service),
		ResultHandler:   handler.NewResultHandler(eng.Service),
		StatusHandler:   handler.NewStatusHandler(statusSources(eng)),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func statusSources(e *engine.Engine) handler.StatusSources {
	src := handler.StatusSources{
		Monitors: e.Monitor.Active,
		InFlight: e.Service.InFlight,
		Caches: map[string]func() cache.Stats{
			"results":     e.Results.Stats,
			"submissions": e.Submissions.Stats,
		},
	}
	if e.Push != nil {
		src.Push = e.Push.Status
	}
	return src
}

type pruner interface {
	Prune() int
}

// pruneLoop drops expired cache entries until ctx ends.
func pruneLoop(ctx context.Context, every time.Duration, logger *slog.Logger, caches ...pruner) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := 0
			for _, c := range caches {
				removed += c.Prune()
			}
			if removed > 0 {
				logger.Debug("pruned cache entries", "removed", removed)
			}
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
