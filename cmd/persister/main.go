// Package main provides the persistence service entry point. It accepts
// tick batches and run metadata from the simulation engine over HTTP,
// writes batch blobs into run storage, and announces them on the durable
// batch topic for the indexers.
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

	"github.com/google/uuid"

	"github.com/rainco77/evochora-sub004/internal/adapter/httpserver"
	"github.com/rainco77/evochora-sub004/internal/adapter/observability"
	"github.com/rainco77/evochora-sub004/internal/adapter/storage/fs"
	topicpg "github.com/rainco77/evochora-sub004/internal/adapter/topic/postgres"
	"github.com/rainco77/evochora-sub004/internal/config"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/persister"
	"github.com/rainco77/evochora-sub004/internal/resource"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "persister")
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

	// A configured RUN_ID resumes an existing run; otherwise this process
	// starts a fresh one.
	runID := cfg.RunID
	if runID == "" {
		runID = domain.NewRunID(time.Now().UTC(), uuid.NewString())
	} else if !domain.ValidRunID(runID) {
		slog.Error("malformed run id", slog.String("run_id", runID))
		os.Exit(1)
	}
	slog.Info("starting persister", slog.String("env", cfg.AppEnv), slog.String("run_id", runID))

	ctx := context.Background()
	pool, err := topicpg.NewPool(ctx, cfg.DBURL, topicpg.PoolConfig{
		MaxConns:    cfg.DBMaxPoolSize,
		MinConns:    cfg.DBMinIdle,
		IdleTimeout: cfg.DBIdleTimeout,
	})
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store, err := fs.New(cfg.StorageRoot)
	if err != nil {
		slog.Error("storage root unusable", slog.Any("error", err))
		os.Exit(1)
	}

	queue := resource.NewQueue[domain.TickData](cfg.EngineQueueDepth,
		resource.NewMonitor("queue:ticks", cfg.MetricsWindowSize))
	publisher := topicpg.NewPublisher(pool, "batch-topic",
		resource.NewMonitor("batch-topic", cfg.MetricsWindowSize))

	p, err := persister.New("persister", queue, store, publisher, persister.Config{
		RunID:        runID,
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.FlushTimeout,
		WriteCodec:   cfg.WriteCodec,
	}, resource.NewMonitor("persister", cfg.MetricsWindowSize), logger)
	if err != nil {
		slog.Error("persister setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := p.Start(ctx); err != nil {
		slog.Error("persister start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewServer(runID, p, queue, logger)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingest server starting", slog.Int("port", cfg.OpsPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Ingest stops first so no new ticks arrive, then the persister
	// flushes what it holds.
	_ = srvHTTP.Shutdown(shutdownCtx)
	if err := p.Stop(); err != nil {
		slog.Warn("persister stop", slog.Any("error", err))
	}
	slog.Info("persister stopped")
}
