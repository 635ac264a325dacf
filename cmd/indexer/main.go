// Package main provides the indexer worker entry point. It attaches to
// a simulation run, consumes batch announcements from the durable topic,
// and writes metadata, organism, and environment rows into the run
// schema.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rainco77/evochora-sub004/internal/adapter/observability"
	repopg "github.com/rainco77/evochora-sub004/internal/adapter/repo/postgres"
	"github.com/rainco77/evochora-sub004/internal/adapter/storage/fs"
	topicpg "github.com/rainco77/evochora-sub004/internal/adapter/topic/postgres"
	"github.com/rainco77/evochora-sub004/internal/config"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/indexer"
	"github.com/rainco77/evochora-sub004/internal/resource"
)

// defaultManifest wires the three indexers when no bindings file is
// configured. Both batch indexers read the same topic under their own
// consumer groups, so each sees every batch.
const defaultManifest = `
services:
  - name: metadata-indexer
    type: metadata-indexer
    bindings:
      storage: storage-read:run-store
      db: database-metadata:simdb
  - name: organism-indexer
    type: batch-indexer
    bindings:
      storage: storage-read:run-store
      in: topic-read:batch-topic?consumerGroup=%[1]s-organism
      db: database-organism:simdb
  - name: environment-indexer
    type: batch-indexer
    bindings:
      storage: storage-read:run-store
      in: topic-read:batch-topic?consumerGroup=%[1]s-environment
      db: database-environment:simdb
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "indexer")
	slog.SetDefault(logger)

	observability.InitMetrics()
	go serveOps(cfg.OpsPort)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting indexer", slog.String("env", cfg.AppEnv))

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

	manager := resource.NewManager(logger)
	manager.Expand = config.ExpandVars
	registerProviders(manager, cfg, pool, store)
	registerServiceTypes(manager, cfg, logger)

	manifest, err := loadManifest(cfg)
	if err != nil {
		slog.Error("manifest load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := manager.Build(ctx, manifest); err != nil {
		slog.Error("service wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("service start failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("indexer started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	stopped := make(chan error, 1)
	go func() { stopped <- manager.StopAll() }()
	select {
	case err := <-stopped:
		if err != nil {
			slog.Warn("shutdown finished with errors", slog.Any("error", err))
		}
	case <-time.After(cfg.ShutdownTimeout):
		slog.Error("shutdown timed out", slog.Duration("timeout", cfg.ShutdownTimeout))
	}
	slog.Info("indexer stopped")
}

func serveOps(port int) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), r); err != nil {
		slog.Error("ops server error", slog.Any("error", err))
	}
}

func loadManifest(cfg config.Config) (resource.Manifest, error) {
	if cfg.BindingsFile != "" {
		return resource.LoadManifest(cfg.BindingsFile)
	}
	return resource.ParseManifest([]byte(fmt.Sprintf(defaultManifest, cfg.ConsumerGroup)))
}

// Wrapped handles returned per binding.

type storageHandle struct{ store *fs.Store }

func (h *storageHandle) Close() error { return nil }

type receiverHandle struct{ recv *topicpg.Receiver }

func (h *receiverHandle) Close() error { return h.recv.Close() }

type repoHandle struct {
	metadata    *repopg.MetadataRepo
	organism    *repopg.OrganismRepo
	environment *repopg.EnvironmentRepo
}

func (h *repoHandle) Close() error { return nil }

// storageProvider hands out read views of the run store.
type storageProvider struct {
	store   *fs.Store
	monitor *resource.Monitor
}

func (p *storageProvider) Name() string               { return "run-store" }
func (p *storageProvider) Monitor() *resource.Monitor { return p.monitor }

func (p *storageProvider) Acquire(ctx context.Context, bc resource.Context) (resource.Handle, error) {
	if bc.UsageType != resource.UsageStorageRead {
		return nil, fmt.Errorf("op=indexer.provider: %w: usage %q on %s", domain.ErrInvalidArgument, bc.UsageType, p.Name())
	}
	return &storageHandle{store: p.store}, nil
}

// topicProvider hands out consumer-group receivers for the batch topic.
type topicProvider struct {
	pool    *pgxpool.Pool
	cfg     config.Config
	monitor *resource.Monitor
}

func (p *topicProvider) Name() string               { return "batch-topic" }
func (p *topicProvider) Monitor() *resource.Monitor { return p.monitor }

func (p *topicProvider) Acquire(ctx context.Context, bc resource.Context) (resource.Handle, error) {
	if bc.UsageType != resource.UsageTopicRead {
		return nil, fmt.Errorf("op=indexer.provider: %w: usage %q on %s", domain.ErrInvalidArgument, bc.UsageType, p.Name())
	}
	recv := topicpg.NewReceiver(p.pool, p.Name(), topicpg.ReceiverConfig{
		Group:        bc.Param("consumerGroup", ""),
		ClaimTimeout: p.cfg.ClaimTimeout,
	}, p.monitor)
	return &receiverHandle{recv: recv}, nil
}

// dbProvider hands out per-usage repository views of the run database.
type dbProvider struct {
	pool    *pgxpool.Pool
	cfg     config.Config
	monitor *resource.Monitor
}

func (p *dbProvider) Name() string               { return "simdb" }
func (p *dbProvider) Monitor() *resource.Monitor { return p.monitor }

func (p *dbProvider) Acquire(ctx context.Context, bc resource.Context) (resource.Handle, error) {
	switch bc.UsageType {
	case resource.UsageDBMetadata:
		return &repoHandle{metadata: repopg.NewMetadataRepo(p.pool, p.monitor)}, nil
	case resource.UsageDBOrganism:
		repo, err := repopg.NewOrganismRepo(p.pool, p.cfg.WriteCodec, p.monitor)
		if err != nil {
			return nil, err
		}
		return &repoHandle{organism: repo}, nil
	case resource.UsageDBEnvironment:
		repo, err := repopg.NewEnvironmentRepo(p.pool, p.cfg.WriteCodec, p.monitor)
		if err != nil {
			return nil, err
		}
		return &repoHandle{environment: repo}, nil
	}
	return nil, fmt.Errorf("op=indexer.provider: %w: usage %q on %s", domain.ErrInvalidArgument, bc.UsageType, p.Name())
}

func registerProviders(m *resource.Manager, cfg config.Config, pool *pgxpool.Pool, store *fs.Store) {
	must(m.RegisterProvider(&storageProvider{store: store, monitor: resource.NewMonitor("run-store", cfg.MetricsWindowSize)}))
	must(m.RegisterProvider(&topicProvider{pool: pool, cfg: cfg, monitor: resource.NewMonitor("batch-topic", cfg.MetricsWindowSize)}))
	must(m.RegisterProvider(&dbProvider{pool: pool, cfg: cfg, monitor: resource.NewMonitor("simdb", cfg.MetricsWindowSize)}))
}

func registerServiceTypes(m *resource.Manager, cfg config.Config, logger *slog.Logger) {
	discovery := indexer.DiscoveryConfig{
		RunID:           cfg.RunID,
		PollInterval:    cfg.PollInterval,
		MaxPollDuration: cfg.MaxPollDuration,
	}
	// One metadata component shared by the whole process: the batch
	// indexers wait on it before their first flush.
	component := indexer.NewMetadataComponent()

	must(m.RegisterServiceType("metadata-indexer", func(name string, params map[string]string, handles map[string]resource.Handle) (resource.Service, error) {
		st, ok := handles["storage"].(*storageHandle)
		if !ok {
			return nil, fmt.Errorf("op=indexer.wire: %w: %s needs a storage-read binding", domain.ErrInvalidArgument, name)
		}
		db, ok := handles["db"].(*repoHandle)
		if !ok || db.metadata == nil {
			return nil, fmt.Errorf("op=indexer.wire: %w: %s needs a database-metadata binding", domain.ErrInvalidArgument, name)
		}
		return indexer.NewMetadataIndexer(name, st.store, db.metadata, component, indexer.MetadataIndexerConfig{
			Discovery:            discovery,
			MetadataPollInterval: cfg.MetadataPollInterval,
			MetadataMaxPoll:      cfg.MetadataMaxPollDuration,
		}, logger), nil
	}))

	must(m.RegisterServiceType("batch-indexer", func(name string, params map[string]string, handles map[string]resource.Handle) (resource.Service, error) {
		st, ok := handles["storage"].(*storageHandle)
		if !ok {
			return nil, fmt.Errorf("op=indexer.wire: %w: %s needs a storage-read binding", domain.ErrInvalidArgument, name)
		}
		in, ok := handles["in"].(*receiverHandle)
		if !ok {
			return nil, fmt.Errorf("op=indexer.wire: %w: %s needs a topic-read binding", domain.ErrInvalidArgument, name)
		}
		db, ok := handles["db"].(*repoHandle)
		if !ok {
			return nil, fmt.Errorf("op=indexer.wire: %w: %s needs a database binding", domain.ErrInvalidArgument, name)
		}
		var tick indexer.TickIndexer
		switch {
		case db.organism != nil:
			tick = indexer.NewOrganismIndexer(db.organism, component)
		case db.environment != nil:
			tick = indexer.NewEnvironmentIndexer(db.environment, component)
		default:
			return nil, fmt.Errorf("op=indexer.wire: %w: %s bound to a non-tick repository", domain.ErrInvalidArgument, name)
		}
		return indexer.NewBatchIndexer(name, st.store, in.recv, tick, indexer.BatchIndexerConfig{
			Discovery:       discovery,
			InsertBatchSize: cfg.InsertBatchSize,
			FlushTimeout:    cfg.FlushTimeout,
		}, resource.NewMonitor("indexer:"+name, cfg.MetricsWindowSize), logger), nil
	}))
}

func must(err error) {
	if err != nil {
		slog.Error("wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
}
