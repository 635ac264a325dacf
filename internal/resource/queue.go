package resource

import (
	"context"
	"time"
)

// Queue is the in-process queue capability between the engine and the
// persistence service. FIFO per producer-consumer pair; backpressure
// surfaces as WAITING on the owning monitor.
type Queue[T any] struct {
	ch      chan T
	monitor *Monitor
}

// NewQueue creates a bounded queue owned by monitor.
func NewQueue[T any](capacity int, monitor *Monitor) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), monitor: monitor}
}

// Offer enqueues without blocking; false when full.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		q.monitor.SetUsageState(UsageQueueOut, StateActive)
		return true
	default:
		q.monitor.SetUsageState(UsageQueueOut, StateWaiting)
		return false
	}
}

// OfferTimeout enqueues, waiting up to d; false on timeout.
func (q *Queue[T]) OfferTimeout(v T, d time.Duration) bool {
	select {
	case q.ch <- v:
		q.monitor.SetUsageState(UsageQueueOut, StateActive)
		return true
	default:
	}
	q.monitor.SetUsageState(UsageQueueOut, StateWaiting)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case q.ch <- v:
		q.monitor.SetUsageState(UsageQueueOut, StateActive)
		return true
	case <-t.C:
		return false
	}
}

// Put enqueues, blocking until space or cancellation.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		q.monitor.SetUsageState(UsageQueueOut, StateActive)
		return nil
	default:
	}
	q.monitor.SetUsageState(UsageQueueOut, StateWaiting)
	select {
	case q.ch <- v:
		q.monitor.SetUsageState(UsageQueueOut, StateActive)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutAll enqueues every element, blocking as needed.
func (q *Queue[T]) PutAll(ctx context.Context, vs []T) error {
	for _, v := range vs {
		if err := q.Put(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// OfferAll enqueues elements until one does not fit; returns how many
// were accepted.
func (q *Queue[T]) OfferAll(vs []T) int {
	for i, v := range vs {
		if !q.Offer(v) {
			return i
		}
	}
	return len(vs)
}

// Poll dequeues without blocking; false when empty.
func (q *Queue[T]) Poll() (T, bool) {
	select {
	case v := <-q.ch:
		q.monitor.SetUsageState(UsageQueueIn, StateActive)
		return v, true
	default:
		var zero T
		q.monitor.SetUsageState(UsageQueueIn, StateWaiting)
		return zero, false
	}
}

// PollTimeout dequeues, waiting up to d; false on timeout.
func (q *Queue[T]) PollTimeout(d time.Duration) (T, bool) {
	select {
	case v := <-q.ch:
		q.monitor.SetUsageState(UsageQueueIn, StateActive)
		return v, true
	default:
	}
	q.monitor.SetUsageState(UsageQueueIn, StateWaiting)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case v := <-q.ch:
		q.monitor.SetUsageState(UsageQueueIn, StateActive)
		return v, true
	case <-t.C:
		var zero T
		return zero, false
	}
}

// Take dequeues, blocking until an element or cancellation.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		q.monitor.SetUsageState(UsageQueueIn, StateActive)
		return v, nil
	default:
	}
	q.monitor.SetUsageState(UsageQueueIn, StateWaiting)
	select {
	case v := <-q.ch:
		q.monitor.SetUsageState(UsageQueueIn, StateActive)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// DrainTo moves up to max buffered elements into dst without blocking.
func (q *Queue[T]) DrainTo(dst *[]T, max int) int {
	n := 0
	for n < max {
		select {
		case v := <-q.ch:
			*dst = append(*dst, v)
			n++
		default:
			return n
		}
	}
	return n
}

// Len returns the buffered element count.
func (q *Queue[T]) Len() int { return len(q.ch) }
