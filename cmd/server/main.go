// Package main is the entrypoint for the etlgate Gateway API server.
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

	"github.com/kiranshivaraju/etlgate/internal/agents"
	"github.com/kiranshivaraju/etlgate/internal/api"
	"github.com/kiranshivaraju/etlgate/internal/api/handler"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
	"github.com/kiranshivaraju/etlgate/internal/artifacts"
	"github.com/kiranshivaraju/etlgate/internal/cache"
	"github.com/kiranshivaraju/etlgate/internal/config"
	"github.com/kiranshivaraju/etlgate/internal/queue"
	"github.com/kiranshivaraju/etlgate/internal/reaper"
	"github.com/kiranshivaraju/etlgate/internal/reports"
	"github.com/kiranshivaraju/etlgate/internal/store"
)

const shutdownTimeout = 30 * time.Second

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"payload_policy", cfg.Queue.PayloadPolicy,
		"liveness_window", cfg.Queue.LivenessWindow.String(),
		"reaper_enabled", cfg.Reaper.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	hostname, _ := os.Hostname()
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, fmt.Sprintf("%s:%d", hostname, os.Getpid()))
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and services
	pgStore := store.NewPostgresStore(pool)

	policy, err := queue.NewPolicy(cfg.Queue.PayloadPolicy)
	if err != nil {
		return fmt.Errorf("payload policy: %w", err)
	}
	jobQueue := queue.NewService(pgStore, policy)
	registry := agents.NewRegistry(pgStore, cfg.Queue.LivenessWindow)
	artifactStore := artifacts.NewService(pgStore, cfg.Server.PublicBaseURL)
	reportStore := reports.NewService(pgStore)

	// 6. Start the reaper
	if cfg.Reaper.Enabled {
		sweeper := reaper.New(pgStore, redisCache, cfg.Queue.LivenessWindow, cfg.Reaper.Grace, cfg.Reaper.Interval)
		go sweeper.Run(ctx)
		slog.Info("reaper started", "interval", cfg.Reaper.Interval.String(), "grace", cfg.Reaper.Grace.String())
	}

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(registry, cfg.Auth.JWTSecret),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMin),

		HealthHandler: healthHandler(pgStore, redisCache),

		HeartbeatHandler: handler.NewHeartbeatHandler(registry),
		PollHandler:      handler.NewPollHandler(jobQueue),
		StartJobHandler:  handler.NewStartJobHandler(jobQueue),
		JobResultHandler: handler.NewJobResultHandler(jobQueue),
		UploadArtifact:   handler.NewUploadArtifactHandler(artifactStore, cfg.Artifacts.MaxBytes),
		GetJobHandler:    handler.NewGetJobHandler(jobQueue),

		SubmitJobHandler:      handler.NewSubmitJobHandler(jobQueue),
		CompareRunHandler:     handler.NewCompareRunHandler(jobQueue, reportStore),
		ConnectionTestHandler: handler.NewConnectionTestHandler(jobQueue),
		ListAgentsHandler:     handler.NewListAgentsHandler(registry),
		ListReportsHandler:    handler.NewListReportsHandler(reportStore),
		GetReportHandler:      handler.NewGetReportHandler(reportStore),
		DeleteReportHandler:   handler.NewDeleteReportHandler(reportStore),

		DownloadArtifact: handler.NewDownloadArtifactHandler(artifactStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "public_base_url", cfg.Server.PublicBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
			slog.Warn("health check failed", "service", "database", "error", err)
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
			slog.Warn("health check failed", "service", "cache", "error", err)
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
