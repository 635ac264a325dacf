package resource

import (
	"sync"
	"time"
)

// windowBuckets is the fixed bucket count of a sliding window; recording
// cost does not depend on traffic volume.
const windowBuckets = 16

type bucket struct {
	epoch int64
	count int64
	sum   float64
}

// Window is a fixed-size bucketed sliding window for rates and
// latencies. Observe and Totals are O(1) and safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	slot    time.Duration
	buckets [windowBuckets]bucket
	now     func() time.Time
}

// NewWindow creates a sliding window covering span.
func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 5 * time.Second
	}
	return &Window{span: span, slot: span / windowBuckets, now: time.Now}
}

func (w *Window) index(t time.Time) (int, int64) {
	epoch := t.UnixNano() / int64(w.slot)
	return int(epoch % windowBuckets), epoch
}

// Observe records one sample.
func (w *Window) Observe(value float64) {
	i, epoch := w.index(w.now())
	w.mu.Lock()
	b := &w.buckets[i]
	if b.epoch != epoch {
		b.epoch = epoch
		b.count = 0
		b.sum = 0
	}
	b.count++
	b.sum += value
	w.mu.Unlock()
}

// Totals returns the sample count and sum across the live window.
func (w *Window) Totals() (int64, float64) {
	_, nowEpoch := w.index(w.now())
	oldest := nowEpoch - windowBuckets + 1
	var count int64
	var sum float64
	w.mu.Lock()
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch >= oldest {
			count += b.count
			sum += b.sum
		}
	}
	w.mu.Unlock()
	return count, sum
}
