// Command server starts the key-rotation proxy HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	httpserver "github.com/keyfleet/keyfleet/internal/adapter/httpserver"
	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/adapter/repo/postgres"
	"github.com/keyfleet/keyfleet/internal/adapter/repo/sqlite"
	"github.com/keyfleet/keyfleet/internal/adapter/upstream/openai"
	"github.com/keyfleet/keyfleet/internal/app"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/service/keycheck"
	"github.com/keyfleet/keyfleet/internal/service/retention"
	"github.com/keyfleet/keyfleet/internal/service/rotation"
	"github.com/keyfleet/keyfleet/internal/service/usagestats"
	"github.com/keyfleet/keyfleet/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key store: networked postgres or embedded sqlite.
	var repo domain.KeyRepository
	switch strings.ToLower(cfg.DBDriver) {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.Bootstrap(ctx, pool); err != nil {
			slog.Error("schema bootstrap failed", slog.Any("error", err))
			os.Exit(1)
		}
		repo = postgres.NewKeyRepo(pool)
	case "sqlite":
		sq, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = sq.Close() }()
		if err := sq.Bootstrap(ctx); err != nil {
			slog.Error("schema bootstrap failed", slog.Any("error", err))
			os.Exit(1)
		}
		repo = sq
	}

	if cfg.KeysSeedFile != "" {
		added, skipped, err := seedKeys(ctx, repo, cfg.KeysSeedFile)
		if err != nil {
			slog.Error("key seed failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("key seed applied", slog.Int("added", added), slog.Int("skipped", skipped))
	}

	usage := usagestats.New(cfg.UsageWindow(), cfg.MaxTimestampsPerKey)
	selector := rotation.New(repo, cfg.MaxActiveKeysLimit)
	if err := selector.Rebuild(ctx); err != nil {
		slog.Error("initial ring rebuild failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("rotation ring ready", slog.Int("size", selector.Size()))

	upstream := openai.New(cfg.UpstreamChatURL, cfg.UpstreamModelsURL)
	dispatcher := usecase.NewDispatcher(repo, selector, usage, upstream, cfg.MaxRetries, cfg.MaxCallsPerKeyPerWindow)
	validator := keycheck.New(repo, upstream, selector)

	// Request-log retention sweep.
	pruner := retention.New(repo, time.Duration(cfg.LogRetentionDays)*24*time.Hour, cfg.CleanupInterval)
	go pruner.Run(ctx)

	srv := httpserver.NewServer(cfg, dispatcher, repo, usage, validator, selector)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streaming responses have no bounded duration.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("driver", cfg.DBDriver))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
