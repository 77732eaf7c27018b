// Package main is the entrypoint for the vidscan API server.
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
	"github.com/kiranshivaraju/vidscan/internal/analyzer"
	"github.com/kiranshivaraju/vidscan/internal/api"
	"github.com/kiranshivaraju/vidscan/internal/api/handler"
	mw "github.com/kiranshivaraju/vidscan/internal/api/middleware"
	"github.com/kiranshivaraju/vidscan/internal/api/response"
	"github.com/kiranshivaraju/vidscan/internal/cache"
	"github.com/kiranshivaraju/vidscan/internal/config"
	"github.com/kiranshivaraju/vidscan/internal/store"
	"github.com/kiranshivaraju/vidscan/internal/video"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"

	// Uploads and output downloads can be hundreds of megabytes.
	transferTimeout = 10 * time.Minute
)

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

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

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "max_concurrent_jobs", cfg.Jobs.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	runner := analyzer.NewProcessRunner(cfg.Analyzer, logger)
	svc, err := video.NewService(store.NewMemoryJobStore(), runner, video.Options{
		UploadDir:      cfg.Upload.Dir,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MaxDuration:    cfg.Analyzer.MaxDuration,
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("create video service: %w", err)
	}

	janitor, err := video.NewJanitor(svc, cfg.Jobs.JanitorSchedule, cfg.Jobs.Retention)
	if err != nil {
		return fmt.Errorf("create janitor: %w", err)
	}
	janitor.Start()
	slog.Info("janitor started", "schedule", cfg.Jobs.JanitorSchedule, "retention", cfg.Jobs.Retention.String())

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler: healthHandler(pgStore, redisCache, cfg.Upload.Dir),

		UploadHandler:        handler.NewUploadHandler(svc),
		StatusHandler:        handler.NewStatusHandler(svc),
		ResultHandler:        handler.NewResultHandler(svc),
		DeleteHandler:        handler.NewDeleteHandler(svc),
		ListJobsHandler:      handler.NewListJobsHandler(svc),
		EventsHandler:        handler.NewEventsHandler(svc, handler.NewUpgrader()),
		OutputHandler:        handler.NewOutputHandler(svc),
		ProcessedFileHandler: handler.NewProcessedFileHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       transferTimeout,
		WriteTimeout:      transferTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
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
	janitor.Stop(shutdownCtx)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stop analysis workers: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache and upload storage.
func healthHandler(s store.Store, c cache.Cache, uploadDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"storage":  "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if fi, err := os.Stat(uploadDir); err != nil || !fi.IsDir() {
			checks["storage"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
