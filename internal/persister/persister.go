// Package persister drains tick data from the engine-facing queue into
// durable batch blobs and announces them on the batch topic. It is the
// write side of the pipeline; the indexers are the read side.
package persister

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rainco77/evochora-sub004/internal/adapter/observability"
	"github.com/rainco77/evochora-sub004/internal/codec"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

// RunBoundPublisher is a topic publisher that attaches to a run before
// publishing.
type RunBoundPublisher interface {
	BindRun(ctx context.Context, runID string) error
	Publish(ctx context.Context, typeURL string, payload []byte) error
}

// Config parameterises the persister service.
type Config struct {
	RunID        string
	BatchSize    int
	FlushTimeout time.Duration
	WriteCodec   string
}

// Persister consumes TickData from the in-process queue, groups ticks
// into fixed-size batches, writes each batch blob through the codec
// layer, and publishes a BatchInfo for it. The run metadata blob is
// written once per run.
type Persister struct {
	resource.Lifecycle
	name    string
	queue   *resource.Queue[domain.TickData]
	store   domain.BlobStore
	topic   RunBoundPublisher
	write   codec.Codec
	cfg     Config
	monitor *resource.Monitor
	log     *slog.Logger

	mu           sync.Mutex
	metadataDone bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a persister for one run.
func New(name string, queue *resource.Queue[domain.TickData], store domain.BlobStore,
	topic RunBoundPublisher, cfg Config, monitor *resource.Monitor, log *slog.Logger) (*Persister, error) {
	if !domain.ValidRunID(cfg.RunID) {
		return nil, fmt.Errorf("op=persister.new: %w: run id %q", domain.ErrInvalidArgument, cfg.RunID)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	c, err := codec.ByName(cfg.WriteCodec)
	if err != nil {
		return nil, err
	}
	return &Persister{
		name:    name,
		queue:   queue,
		store:   store,
		topic:   topic,
		write:   c,
		cfg:     cfg,
		monitor: monitor,
		log:     log.With(slog.String("service", name), slog.String("run_id", cfg.RunID)),
	}, nil
}

// Name returns the service name.
func (p *Persister) Name() string { return p.name }

// WriteMetadata persists runId/metadata.pb and announces it. One-shot
// per run; a second call is an ErrIllegalState.
func (p *Persister) WriteMetadata(ctx context.Context, meta domain.SimulationMetadata) error {
	// The lock spans the whole write so concurrent callers cannot both
	// pass the one-shot gate.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metadataDone {
		return fmt.Errorf("op=persister.metadata: %w: metadata already written", domain.ErrIllegalState)
	}

	blob, err := codec.Encode(p.write, wire.MarshalSimulationMetadata(meta))
	if err != nil {
		return fmt.Errorf("op=persister.metadata: %w", err)
	}
	key := domain.MetadataKey(p.cfg.RunID)
	if err := p.store.WriteMessage(ctx, key, blob); err != nil {
		p.monitor.RecordError(domain.CodeWriteFailed, err.Error(), map[string]string{"storage_key": key})
		p.monitor.SetUsageState(resource.UsageStorageWrite, resource.StateFailed)
		return fmt.Errorf("op=persister.metadata code=%s: %w", domain.CodeWriteFailed, err)
	}
	info := domain.MetadataInfo{
		SimulationRunID: p.cfg.RunID,
		StorageKey:      key,
		WrittenAtMs:     time.Now().UnixMilli(),
	}
	if err := p.topic.Publish(ctx, wire.TypeMetadataInfo, wire.MarshalMetadataInfo(info)); err != nil {
		return err
	}
	p.metadataDone = true
	p.monitor.SetUsageState(resource.UsageStorageWrite, resource.StateActive)
	p.log.Info("run metadata persisted", slog.String("storage_key", key))
	return nil
}

// Start binds the batch topic and launches the drain loop.
func (p *Persister) Start(ctx context.Context) error {
	if err := p.topic.BindRun(ctx, p.cfg.RunID); err != nil {
		return err
	}
	if err := p.ToRunning(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.run(runCtx)
	}()
	return nil
}

func (p *Persister) run(ctx context.Context) {
	batch := make([]domain.TickData, 0, p.cfg.BatchSize)
	var firstAt time.Time
	for {
		if p.State() == resource.StatePaused {
			select {
			case <-ctx.Done():
				p.finalFlush(batch)
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if len(batch) == 0 {
			tick, err := p.queue.Take(ctx)
			if err != nil {
				return
			}
			batch = append(batch, tick)
			firstAt = time.Now()
			continue
		}

		if len(batch) >= p.cfg.BatchSize || time.Since(firstAt) >= p.cfg.FlushTimeout {
			p.flush(ctx, batch)
			batch = batch[:0]
			continue
		}

		wait := p.cfg.FlushTimeout - time.Since(firstAt)
		// Capped so shutdown is never stuck behind a long flush window.
		if wait > 200*time.Millisecond {
			wait = 200 * time.Millisecond
		}
		tick, ok := p.queue.PollTimeout(wait)
		if ok {
			batch = append(batch, tick)
			continue
		}
		if ctx.Err() != nil {
			// Best-effort final flush before shutdown.
			p.finalFlush(batch)
			return
		}
	}
}

// flush writes one batch blob and publishes its BatchInfo. A failure is
// transient: the ticks are dropped here, but the engine holds no ack
// barrier against the persister, so losing a flush surfaces only as a
// recorded error.
func (p *Persister) flush(ctx context.Context, batch []domain.TickData) {
	start, end := batch[0].TickNumber, batch[len(batch)-1].TickNumber
	key := domain.BatchKey(p.cfg.RunID, start, end)
	ctx, span := otel.Tracer("persister").Start(ctx, "Persister.flush",
		trace.WithAttributes(
			attribute.String("batch.storage_key", key),
			attribute.Int("batch.ticks", len(batch)),
		))
	defer span.End()

	blob, err := codec.Encode(p.write, wire.MarshalTickDataBatch(batch))
	if err != nil {
		p.monitor.RecordError(domain.CodeWriteFailed, err.Error(), map[string]string{"storage_key": key})
		return
	}
	if err := p.store.WriteMessage(ctx, key, blob); err != nil {
		span.RecordError(err)
		p.monitor.RecordError(domain.CodeWriteFailed, err.Error(), map[string]string{"storage_key": key})
		p.monitor.SetUsageState(resource.UsageStorageWrite, resource.StateFailed)
		p.log.Warn("batch write failed", slog.String("storage_key", key), slog.String("error", err.Error()))
		return
	}
	info := domain.BatchInfo{
		SimulationRunID: p.cfg.RunID,
		StorageKey:      key,
		TickStart:       start,
		TickEnd:         end,
		WrittenAtMs:     time.Now().UnixMilli(),
	}
	if err := p.topic.Publish(ctx, wire.TypeBatchInfo, wire.MarshalBatchInfo(info)); err != nil {
		p.log.Warn("batch announcement failed", slog.String("storage_key", key), slog.String("error", err.Error()))
		return
	}
	p.monitor.SetUsageState(resource.UsageStorageWrite, resource.StateActive)
	p.monitor.Add("ticks_persisted", int64(len(batch)))
	p.monitor.Observe("batch_size", float64(len(batch)))
	observability.BatchesWrittenTotal.WithLabelValues(p.cfg.RunID).Inc()
	p.log.Debug("batch persisted",
		slog.String("storage_key", key),
		slog.Int64("tick_start", start),
		slog.Int64("tick_end", end))
}

func (p *Persister) finalFlush(batch []domain.TickData) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.flush(flushCtx, batch)
}

// Pause suspends draining; the queue backs up meanwhile.
func (p *Persister) Pause() error { return p.ToPaused() }

// Resume returns to RUNNING.
func (p *Persister) Resume() error { return p.ToResumed() }

// Stop drains nothing further, flushes what it holds, and stops.
func (p *Persister) Stop() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	if p.State() == resource.StateError {
		return nil
	}
	return p.ToStopped()
}
