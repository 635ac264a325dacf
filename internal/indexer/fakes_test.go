package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// fakeStore is an in-memory BlobStore keyed by storage key.
type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	runs  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}}
}

func (s *fakeStore) WriteMessage(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), payload...)
	return nil
}

func (s *fakeStore) ReadMessage(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("op=fake.read: %w: %s", domain.ErrNotFound, key)
	}
	return append([]byte(nil), b...), nil
}

func (s *fakeStore) ListRunIDs(ctx context.Context, after time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.runs {
		ts, err := domain.ParseRunIDTime(id)
		if err != nil {
			continue
		}
		if ts.After(after) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) addRun(id string) {
	s.mu.Lock()
	s.runs = append(s.runs, id)
	s.mu.Unlock()
}

// fakeReceiver hands out scripted messages and records acks.
type fakeReceiver struct {
	mu       sync.Mutex
	boundRun string
	queue    []*domain.TopicMessage
	acked    []string
	ackErr   error
}

func (r *fakeReceiver) BindRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	r.boundRun = runID
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) Receive(ctx context.Context, timeout time.Duration) (*domain.TopicMessage, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReceiver) Ack(ctx context.Context, msg *domain.TopicMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ackErr != nil {
		return r.ackErr
	}
	r.acked = append(r.acked, msg.MessageID)
	return nil
}

func (r *fakeReceiver) enqueue(msg *domain.TopicMessage) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
}

func (r *fakeReceiver) ackedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acked...)
}

// fakeTickIndexer records flushes and optionally fails the first few.
type fakeTickIndexer struct {
	mu        sync.Mutex
	prepared  []string
	flushes   [][]domain.TickData
	failNext  int
	flushedCh chan struct{}
}

func newFakeTickIndexer() *fakeTickIndexer {
	return &fakeTickIndexer{flushedCh: make(chan struct{}, 16)}
}

func (f *fakeTickIndexer) Name() string { return "fake" }

func (f *fakeTickIndexer) PrepareSchema(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.prepared = append(f.prepared, runID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTickIndexer) FlushTicks(ctx context.Context, runID string, ticks []domain.TickData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("flush rejected")
	}
	cp := append([]domain.TickData(nil), ticks...)
	f.flushes = append(f.flushes, cp)
	select {
	case f.flushedCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeTickIndexer) flushed() [][]domain.TickData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.TickData(nil), f.flushes...)
}

// fakeMetadataRepo records metadata upserts.
type fakeMetadataRepo struct {
	mu       sync.Mutex
	prepared []string
	rows     map[string][]byte
	failure  error
}

func newFakeMetadataRepo() *fakeMetadataRepo {
	return &fakeMetadataRepo{rows: map[string][]byte{}}
}

func (f *fakeMetadataRepo) PrepareSchema(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.prepared = append(f.prepared, runID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMetadataRepo) UpsertMetadata(ctx context.Context, runID, key string, valueJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	f.rows[key] = append([]byte(nil), valueJSON...)
	return nil
}
