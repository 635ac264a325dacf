package persister

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-sub004/internal/codec"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (s *memStore) WriteMessage(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), payload...)
	return nil
}

func (s *memStore) ReadMessage(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", key, domain.ErrNotFound)
	}
	return b, nil
}

func (s *memStore) ListRunIDs(ctx context.Context, after time.Time) ([]string, error) {
	return nil, nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		out = append(out, k)
	}
	return out
}

type published struct {
	typeURL string
	payload []byte
}

type memPublisher struct {
	mu    sync.Mutex
	runID string
	msgs  []published
}

func (p *memPublisher) BindRun(ctx context.Context, runID string) error {
	p.mu.Lock()
	p.runID = runID
	p.mu.Unlock()
	return nil
}

func (p *memPublisher) Publish(ctx context.Context, typeURL string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{typeURL: typeURL, payload: append([]byte(nil), payload...)})
	return nil
}

func (p *memPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func testRunID() string {
	return domain.NewRunID(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8")
}

func newPersister(t *testing.T, store *memStore, pub *memPublisher, batchSize int, flushTimeout time.Duration) (*Persister, *resource.Queue[domain.TickData]) {
	t.Helper()
	mon := resource.NewMonitor("persister", time.Second)
	q := resource.NewQueue[domain.TickData](64, resource.NewMonitor("queue:ticks", time.Second))
	p, err := New("persister", q, store, pub, Config{
		RunID:        testRunID(),
		BatchSize:    batchSize,
		FlushTimeout: flushTimeout,
		WriteCodec:   "zstd",
	}, mon, slog.Default())
	require.NoError(t, err)
	return p, q
}

func TestPersister_BatchesBySize(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	p, q := newPersister(t, store, pub, 2, time.Minute)

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, q.Put(context.Background(), domain.TickData{TickNumber: 1}))
	require.NoError(t, q.Put(context.Background(), domain.TickData{TickNumber: 2}))

	require.Eventually(t, func() bool {
		return len(pub.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := pub.all()
	assert.Equal(t, wire.TypeBatchInfo, msgs[0].typeURL)
	info, err := wire.UnmarshalBatchInfo(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TickStart)
	assert.Equal(t, int64(2), info.TickEnd)
	assert.Equal(t, domain.BatchKey(testRunID(), 1, 2), info.StorageKey)

	blob, err := store.ReadMessage(context.Background(), info.StorageKey)
	require.NoError(t, err)
	raw, err := codec.Decode(blob)
	require.NoError(t, err)
	ticks, err := wire.UnmarshalTickDataBatch(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(2), ticks[1].TickNumber)
}

func TestPersister_FlushesByTime(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	p, q := newPersister(t, store, pub, 1000, 40*time.Millisecond)

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, q.Put(context.Background(), domain.TickData{TickNumber: 7}))
	require.Eventually(t, func() bool {
		return len(pub.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{domain.BatchKey(testRunID(), 7, 7)}, store.keys())
}

func TestPersister_StopFlushesRemainder(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	p, q := newPersister(t, store, pub, 1000, time.Hour)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, q.Put(context.Background(), domain.TickData{TickNumber: 3}))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Len(t, pub.all(), 1)
	assert.Equal(t, resource.StateStopped, p.State())
}

func TestPersister_WriteMetadataOnce(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	p, _ := newPersister(t, store, pub, 10, time.Minute)
	require.NoError(t, pub.BindRun(context.Background(), testRunID()))

	meta := domain.SimulationMetadata{
		SimulationRunID: testRunID(),
		Dimensions:      2,
		Shape:           []int64{64, 64},
		Toroidal:        []bool{true, true},
	}
	require.NoError(t, p.WriteMetadata(context.Background(), meta))

	err := p.WriteMetadata(context.Background(), meta)
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypeMetadataInfo, msgs[0].typeURL)
	info, err := wire.UnmarshalMetadataInfo(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, domain.MetadataKey(testRunID()), info.StorageKey)

	blob, err := store.ReadMessage(context.Background(), info.StorageKey)
	require.NoError(t, err)
	raw, err := codec.Decode(blob)
	require.NoError(t, err)
	got, err := wire.UnmarshalSimulationMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestPersister_ConcurrentMetadataWritesOnce(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	p, _ := newPersister(t, store, pub, 10, time.Minute)
	require.NoError(t, pub.BindRun(context.Background(), testRunID()))
	meta := domain.SimulationMetadata{SimulationRunID: testRunID(), Dimensions: 2}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.WriteMetadata(context.Background(), meta)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, domain.ErrIllegalState)
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Len(t, pub.all(), 1)
	assert.Equal(t, []string{domain.MetadataKey(testRunID())}, store.keys())
}

func TestPersister_RejectsBadConfig(t *testing.T) {
	q := resource.NewQueue[domain.TickData](1, resource.NewMonitor("q", time.Second))
	mon := resource.NewMonitor("persister", time.Second)

	_, err := New("p", q, newMemStore(), &memPublisher{}, Config{RunID: "nope", WriteCodec: "none"}, mon, slog.Default())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = New("p", q, newMemStore(), &memPublisher{}, Config{RunID: testRunID(), WriteCodec: "brotli"}, mon, slog.Default())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
