package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// TickIndexer is one concrete write path for buffered ticks. FlushTicks
// must be idempotent: redelivered batches re-run the same MERGEs.
type TickIndexer interface {
	Name() string
	PrepareSchema(ctx context.Context, runID string) error
	FlushTicks(ctx context.Context, runID string, ticks []domain.TickData) error
}

// RunBoundReceiver is a topic receiver that attaches to a run before
// consuming.
type RunBoundReceiver interface {
	domain.TopicReceiver
	BindRun(ctx context.Context, runID string) error
}

// BatchIndexerConfig parameterises the batch consumption loop.
type BatchIndexerConfig struct {
	Discovery       DiscoveryConfig
	InsertBatchSize int
	FlushTimeout    time.Duration
	ReceiveTimeout  time.Duration
}

// BatchIndexer drives one TickIndexer: it discovers the run, consumes
// BatchInfo messages, reads and decodes the batch blobs, buffers ticks,
// and acks only after the ticks of a message were flushed. A message
// whose flush fails is redelivered and converges through the indexer's
// MERGE semantics.
type BatchIndexer struct {
	resource.Lifecycle
	name     string
	store    domain.BlobStore
	receiver RunBoundReceiver
	indexer  TickIndexer
	buffer   *TickBuffer
	cfg      BatchIndexerConfig
	monitor  *resource.Monitor
	log      *slog.Logger

	pendingAcks []*domain.TopicMessage
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewBatchIndexer creates the framework service around one TickIndexer.
func NewBatchIndexer(name string, store domain.BlobStore, receiver RunBoundReceiver,
	indexer TickIndexer, cfg BatchIndexerConfig, monitor *resource.Monitor, log *slog.Logger) *BatchIndexer {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	return &BatchIndexer{
		name:     name,
		store:    store,
		receiver: receiver,
		indexer:  indexer,
		buffer:   NewTickBuffer(cfg.InsertBatchSize, cfg.FlushTimeout),
		cfg:      cfg,
		monitor:  monitor,
		log:      log.With(slog.String("indexer", name)),
	}
}

// Name returns the service name.
func (x *BatchIndexer) Name() string { return x.name }

// Start launches the consumption loop.
func (x *BatchIndexer) Start(ctx context.Context) error {
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
				x.log.Debug("batch indexer interrupted")
				return
			}
			x.log.Error("batch indexing failed", slog.String("error", err.Error()))
			x.ToError()
		}
	}()
	return nil
}

func (x *BatchIndexer) run(ctx context.Context) error {
	runID, err := DiscoverRun(ctx, x.store, x.cfg.Discovery, x.log)
	if err != nil {
		return err
	}
	if err := x.indexer.PrepareSchema(ctx, runID); err != nil {
		return err
	}
	if err := x.receiver.BindRun(ctx, runID); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown: flush what we have so redelivery stays cheap.
			x.finalFlush(runID)
			return err
		}
		if x.State() == resource.StatePaused {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		timeout := x.buffer.TimeUntilDue(x.cfg.ReceiveTimeout)
		msg, err := x.receiver.Receive(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				x.finalFlush(runID)
				return ctx.Err()
			}
			// Transient receive failure: record and keep consuming.
			x.monitor.RecordError(domain.CodeClaimFailed, err.Error(), nil)
			x.log.Warn("receive failed", slog.String("error", err.Error()))
			continue
		}
		if msg != nil {
			if err := x.consume(ctx, msg); err != nil {
				return err
			}
		}
		if x.buffer.Due() || (x.buffer.Len() == 0 && len(x.pendingAcks) > 0) {
			if err := x.flushAndAck(ctx, runID); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// consume reads and decodes the blob behind one BatchInfo and buffers
// its ticks. A malformed message is fatal and stays unacked so the
// operator can inspect it; a storage miss is transient and leads to
// redelivery.
func (x *BatchIndexer) consume(ctx context.Context, msg *domain.TopicMessage) error {
	if wire.FullName(msg.TypeURL) != wire.TypeBatchInfo {
		x.monitor.RecordError(domain.CodeUnknownType, msg.TypeURL, map[string]string{"message_id": msg.MessageID})
		return fmt.Errorf("op=indexer.consume code=%s: %w: %q", domain.CodeUnknownType, domain.ErrUnknownType, msg.TypeURL)
	}
	info, err := wire.UnmarshalBatchInfo(msg.Payload)
	if err != nil {
		x.monitor.RecordError(domain.CodeDeserializationError, err.Error(), map[string]string{"message_id": msg.MessageID})
		return fmt.Errorf("op=indexer.consume code=%s: %w", domain.CodeDeserializationError, err)
	}

	blob, err := x.store.ReadMessage(ctx, info.StorageKey)
	if err != nil {
		// Transient: no ack, the message comes back after claim expiry.
		x.monitor.RecordError(domain.CodeWriteFailed, err.Error(), map[string]string{"storage_key": info.StorageKey})
		x.log.Warn("batch blob read failed",
			slog.String("storage_key", info.StorageKey),
			slog.String("error", err.Error()))
		return nil
	}
	raw, err := codec.Decode(blob)
	if err != nil {
		x.monitor.RecordError(domain.CodeDeserializationError, err.Error(), map[string]string{"storage_key": info.StorageKey})
		return fmt.Errorf("op=indexer.consume code=%s: %w", domain.CodeDeserializationError, err)
	}
	ticks, err := wire.UnmarshalTickDataBatch(raw)
	if err != nil {
		x.monitor.RecordError(domain.CodeDeserializationError, err.Error(), map[string]string{"storage_key": info.StorageKey})
		return fmt.Errorf("op=indexer.consume code=%s: %w", domain.CodeDeserializationError, err)
	}
	for _, tick := range ticks {
		x.buffer.Offer(tick)
	}
	x.pendingAcks = append(x.pendingAcks, msg)
	x.log.Debug("batch buffered",
		slog.String("storage_key", info.StorageKey),
		slog.Int64("tick_start", info.TickStart),
		slog.Int64("tick_end", info.TickEnd),
		slog.Int("buffered", x.buffer.Len()))
	return nil
}

// flushAndAck is the ack barrier: flushTicks first, acks after. A flush
// failure drops the buffered ticks and the pending acks; redelivery
// rebuilds both and the MERGEs converge.
func (x *BatchIndexer) flushAndAck(ctx context.Context, runID string) error {
	ticks := x.buffer.Drain()
	if len(ticks) > 0 {
		ctx, span := otel.Tracer("indexer.batch").Start(ctx, "BatchIndexer.flush",
			trace.WithAttributes(
				attribute.String("indexer.name", x.indexer.Name()),
				attribute.Int("indexer.ticks", len(ticks)),
			))
		defer span.End()
		start := time.Now()
		if err := x.indexer.FlushTicks(ctx, runID, ticks); err != nil {
			span.RecordError(err)
			x.monitor.RecordError(domain.CodeWriteFailed, err.Error(), map[string]string{"indexer": x.indexer.Name()})
			x.log.Warn("flush failed, awaiting redelivery",
				slog.Int("ticks", len(ticks)),
				slog.String("error", err.Error()))
			x.pendingAcks = nil
			return err
		}
		observability.FlushDuration.WithLabelValues(x.indexer.Name()).Observe(time.Since(start).Seconds())
		observability.TicksIndexedTotal.WithLabelValues(x.indexer.Name()).Add(float64(len(ticks)))
		x.monitor.Add("ticks_flushed", int64(len(ticks)))
		x.monitor.Observe("flush_size", float64(len(ticks)))
	}
	for _, msg := range x.pendingAcks {
		if err := x.receiver.Ack(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrStaleAck) {
				// Someone else owns the message now; their flush will
				// write the same rows.
				x.log.Warn("stale ack after flush", slog.String("message_id", msg.MessageID))
				continue
			}
			x.monitor.RecordError(domain.CodeAckFailed, err.Error(), map[string]string{"message_id": msg.MessageID})
			x.log.Warn("ack failed", slog.String("message_id", msg.MessageID), slog.String("error", err.Error()))
		}
	}
	x.pendingAcks = nil
	return nil
}

// finalFlush is the best-effort flush on shutdown, bounded so it cannot
// stall termination.
func (x *BatchIndexer) finalFlush(runID string) {
	if x.buffer.Len() == 0 && len(x.pendingAcks) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = x.flushAndAck(flushCtx, runID)
}

// Pause suspends consumption; the claim timeout keeps messages moving to
// other group members meanwhile.
func (x *BatchIndexer) Pause() error { return x.ToPaused() }

// Resume returns to RUNNING.
func (x *BatchIndexer) Resume() error { return x.ToResumed() }

// Stop interrupts the loop, waits for the final flush, and transitions
// to STOPPED.
func (x *BatchIndexer) Stop() error {
	if x.cancel != nil {
		x.cancel()
		<-x.done
	}
	if x.State() == resource.StateError {
		return nil
	}
	return x.ToStopped()
}
