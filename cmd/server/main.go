// Package main is the entrypoint for the AI commentary service: trigger API,
// optional cron schedule and the worker pool that executes cycles.
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

	"github.com/jeskokaiser/altfragen-io-backend/internal/api"
	"github.com/jeskokaiser/altfragen-io-backend/internal/api/handler"
	mw "github.com/jeskokaiser/altfragen-io-backend/internal/api/middleware"
	"github.com/jeskokaiser/altfragen-io-backend/internal/api/response"
	"github.com/jeskokaiser/altfragen-io-backend/internal/cache"
	"github.com/jeskokaiser/altfragen-io-backend/internal/config"
	"github.com/jeskokaiser/altfragen-io-backend/internal/engine"
	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/internal/prompts"
	"github.com/jeskokaiser/altfragen-io-backend/internal/provider"
	"github.com/jeskokaiser/altfragen-io-backend/internal/scheduler"
	"github.com/jeskokaiser/altfragen-io-backend/internal/store"
	"github.com/jeskokaiser/altfragen-io-backend/internal/trigger"
	"github.com/jeskokaiser/altfragen-io-backend/internal/worker"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Re-install the logger at the configured level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel,
	}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "log_level", cfg.Server.LogLevel.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 5. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Prompts and providers
	catalogue, err := prompts.Load()
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	providers, err := provider.NewFromConfig(cfg.Providers, catalogue, logger)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}

	// 7. Notifiers
	notifier, err := notify.FromConfig(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}

	// 8. Engine
	eng := engine.New(pgStore, providers, notifier, engine.Options{
		CallTimeout:        cfg.Providers.Timeout,
		PollConcurrency:    cfg.Engine.PollConcurrency,
		InstantConcurrency: cfg.Engine.InstantConcurrency,
		Logger:             logger,
	})

	// 9. Worker pool executing triggered cycles
	workers := worker.NewPool(logger,
		worker.WithWorkers(cfg.Worker.Count),
		worker.WithQueueSize(cfg.Worker.QueueSize),
		worker.WithTaskTimeout(cfg.Engine.CycleTimeout),
	)

	// 10. Trigger service
	triggers := trigger.NewService(eng, workers, redisCache, notifier, logger, cfg.Server.RunStatusTTL)

	// 11. Optional cron schedule
	sched, err := scheduler.New(cfg.Schedule, triggers, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start()

	// 12. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.TriggerRateLimit),

		HealthHandler:  healthHandler(pgStore, redisCache),
		SubmitHandler:  handler.NewTriggerHandler(triggers, models.CycleSubmit),
		ConsumeHandler: handler.NewTriggerHandler(triggers, models.CycleConsume),
		RunHandler:     handler.NewTriggerHandler(triggers, models.CycleRun),
		GetRunHandler:  handler.NewGetRunHandler(triggers),
	}

	router := api.NewRouter(deps)

	// 13. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	// Graceful shutdown: stop new triggers, then drain queued cycles
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	<-sched.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if err := workers.Shutdown(shutdownCtx); err != nil {
		slog.Error("worker pool shutdown interrupted", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	slog.Info("server stopped")
	return nil
}

// Pinger is satisfied by both the store and the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db Pinger, c Pinger) http.HandlerFunc {
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

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
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
