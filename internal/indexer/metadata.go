package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rainco77/evochora-sub004/internal/codec"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

// MetadataComponent hands the loaded run metadata to downstream
// indexers. Get blocks until the metadata indexer has loaded it at least
// once, so writers can rely on environment dimensions and shape.
type MetadataComponent struct {
	mu    sync.Mutex
	ready chan struct{}
	meta  domain.SimulationMetadata
}

// NewMetadataComponent creates an empty, not-yet-loaded component.
func NewMetadataComponent() *MetadataComponent {
	return &MetadataComponent{ready: make(chan struct{})}
}

// Set publishes the metadata. Later calls update the value; the first
// call unblocks waiters.
func (c *MetadataComponent) Set(m domain.SimulationMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = m
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Get blocks until metadata is available or the context ends.
func (c *MetadataComponent) Get(ctx context.Context) (domain.SimulationMetadata, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return domain.SimulationMetadata{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta, nil
}

// MetadataIndexerConfig parameterises the metadata indexer.
type MetadataIndexerConfig struct {
	Discovery           DiscoveryConfig
	MetadataPollInterval time.Duration
	MetadataMaxPoll      time.Duration
}

// MetadataIndexer loads runId/metadata.pb from storage and writes the
// run metadata rows. It has no redelivery path: a failure here is fatal
// because every downstream indexer depends on the metadata.
type MetadataIndexer struct {
	resource.Lifecycle
	name      string
	store     domain.BlobStore
	repo      domain.MetadataRepository
	component *MetadataComponent
	cfg       MetadataIndexerConfig
	log       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMetadataIndexer creates a metadata indexer service publishing into
// component.
func NewMetadataIndexer(name string, store domain.BlobStore, repo domain.MetadataRepository,
	component *MetadataComponent, cfg MetadataIndexerConfig, log *slog.Logger) *MetadataIndexer {
	return &MetadataIndexer{
		name:      name,
		store:     store,
		repo:      repo,
		component: component,
		cfg:       cfg,
		log:       log.With(slog.String("indexer", name)),
	}
}

// Name returns the service name.
func (x *MetadataIndexer) Name() string { return x.name }

// Start discovers the run and loads its metadata on a background
// goroutine.
func (x *MetadataIndexer) Start(ctx context.Context) error {
	if err := x.ToRunning(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	x.cancel = cancel
	x.done = make(chan struct{})
	go func() {
		defer close(x.done)
		if err := x.run(runCtx); err != nil {
			if runCtx.Err() != nil {
				x.log.Debug("metadata indexer interrupted")
				return
			}
			x.log.Error("metadata indexing failed", slog.String("error", err.Error()))
			x.ToError()
		}
	}()
	return nil
}

func (x *MetadataIndexer) run(ctx context.Context) error {
	runID, err := DiscoverRun(ctx, x.store, x.cfg.Discovery, x.log)
	if err != nil {
		return err
	}
	if err := x.repo.PrepareSchema(ctx, runID); err != nil {
		return err
	}
	blob, err := pollBlob(ctx, x.store, domain.MetadataKey(runID), x.cfg.MetadataPollInterval, x.cfg.MetadataMaxPoll)
	if err != nil {
		return err
	}
	raw, err := codec.Decode(blob)
	if err != nil {
		return fmt.Errorf("op=indexer.metadata code=%s: %w", domain.CodeDeserializationError, err)
	}
	meta, err := wire.UnmarshalSimulationMetadata(raw)
	if err != nil {
		return fmt.Errorf("op=indexer.metadata code=%s: %w", domain.CodeDeserializationError, err)
	}
	if err := x.writeRows(ctx, runID, meta); err != nil {
		return err
	}
	x.component.Set(meta)
	x.log.Info("run metadata indexed", slog.String("run_id", runID), slog.Int("dimensions", int(meta.Dimensions)))
	return nil
}

func (x *MetadataIndexer) writeRows(ctx context.Context, runID string, meta domain.SimulationMetadata) error {
	simulationInfo, err := json.Marshal(map[string]any{
		"simulation_run_id": meta.SimulationRunID,
		"start_time_ms":     meta.StartTimeMs,
		"initial_seed":      meta.InitialSeed,
	})
	if err != nil {
		return fmt.Errorf("op=indexer.metadata: %w", err)
	}
	environment, err := json.Marshal(map[string]any{
		"dimensions": meta.Dimensions,
		"shape":      meta.Shape,
		"toroidal":   meta.Toroidal,
	})
	if err != nil {
		return fmt.Errorf("op=indexer.metadata: %w", err)
	}
	if err := x.repo.UpsertMetadata(ctx, runID, "simulation_info", simulationInfo); err != nil {
		return err
	}
	return x.repo.UpsertMetadata(ctx, runID, "environment", environment)
}

// Pause is accepted for lifecycle symmetry; loading is one-shot.
func (x *MetadataIndexer) Pause() error { return x.ToPaused() }

// Resume returns to RUNNING.
func (x *MetadataIndexer) Resume() error { return x.ToResumed() }

// Stop interrupts a load in progress and transitions to STOPPED.
func (x *MetadataIndexer) Stop() error {
	if x.cancel != nil {
		x.cancel()
		<-x.done
	}
	if x.State() == resource.StateError {
		return nil
	}
	return x.ToStopped()
}
