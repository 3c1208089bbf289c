// Package main is the entrypoint for the hdriflow console server.
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

	"github.com/kiranshivaraju/hdriflow/internal/api"
	"github.com/kiranshivaraju/hdriflow/internal/api/handler"
	mw "github.com/kiranshivaraju/hdriflow/internal/api/middleware"
	"github.com/kiranshivaraju/hdriflow/internal/api/response"
	"github.com/kiranshivaraju/hdriflow/internal/cache"
	"github.com/kiranshivaraju/hdriflow/internal/config"
	"github.com/kiranshivaraju/hdriflow/internal/jobs"
	"github.com/kiranshivaraju/hdriflow/internal/orchestrator"
	"github.com/kiranshivaraju/hdriflow/internal/store"
	"github.com/kiranshivaraju/hdriflow/internal/tracker"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/internal/upload"
)

const shutdownTimeout = 30 * time.Second

// Pinger is anything the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "api_base_url", cfg.API.BaseURL, "env", cfg.Console.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Submission ledger
	ledger, closeLedger, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeLedger()

	// 3. Cache
	c, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 4. Processing service clients
	caller := transport.New(cfg.API, transport.WithLogger(logger), transport.WithDebug(cfg.Debug))
	gate := upload.NewGate(caller, cfg.Upload, logger)
	jobClient := jobs.NewClient(caller, jobs.WithCache(c, cfg.Cache.TTL), jobs.WithLogger(logger))

	tr := tracker.New(jobClient,
		tracker.WithPollInterval(cfg.Tracking.PollInterval),
		tracker.WithLogger(logger),
		tracker.WithStatusMirror(c, cfg.Cache.TTL),
		tracker.WithLedger(ledger),
	)
	defer tr.Close()

	orch := orchestrator.New(gate, jobClient, tr,
		orchestrator.WithLogger(logger),
		orchestrator.WithLedger(ledger),
		orchestrator.WithRecentJobsLimit(cfg.Tracking.RecentJobsLimit),
		orchestrator.WithErrorReporting(cfg.ErrorReporting),
	)
	defer orch.Close()

	if err := orch.OpenDashboard(ctx); err != nil {
		slog.Warn("initial dashboard load failed", "error", err)
	}

	// 5. Build router with dependencies
	auth := mw.NewAuth(cfg.Console.KeyHash)
	if !auth.Enabled() {
		slog.Warn("CONSOLE_KEY_HASH not set, console is unauthenticated")
	}

	deps := api.Dependencies{
		Auth:          auth,
		RateLimit:     mw.NewRateLimit(c, cfg.Console.RequestsPerMin),
		HealthHandler: healthHandler(ledger, c, jobClient),
	}.WithConsole(handler.NewConsoleHandler(orch, ledger, cfg.Upload.MaxFileSize,
		handler.WithStatusMirror(c)))

	router := api.NewRouter(deps)

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Console.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
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

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// an in-memory ledger otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.URL == "" {
		slog.Info("DATABASE_URL not set, using in-memory submission ledger")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// openCache connects to Redis when REDIS_URL is set and falls back to a
// bounded in-process cache otherwise.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Redis.URL == "" {
		slog.Info("REDIS_URL not set, using in-memory cache", "max_entries", cfg.Cache.MaxSize)
		return cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL), nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return redisCache, nil
}

// healthHandler checks ledger, cache and processing service connectivity.
func healthHandler(s, c, svc Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"service":  "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := svc.Ping(r.Context()); err != nil {
			checks["service"] = "degraded"
		}

		degraded := false
		for _, v := range checks {
			if v != "ok" {
				degraded = true
			}
		}
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
