// Package indexer turns BatchInfo notifications into idempotent per-run
// database writes: run discovery, blob reads, tick buffering, and the
// ack barrier that keeps at-least-once delivery convergent.
package indexer

import (
	"time"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// TickBuffer collects ticks until a flush is due, either by size or by
// time since the first pending tick. Single producer, single consumer:
// the batch loop owns it and there is no internal locking.
type TickBuffer struct {
	maxSize      int
	flushTimeout time.Duration
	pending      []domain.TickData
	firstAt      time.Time
	now          func() time.Time
}

// NewTickBuffer creates a buffer flushing at size or after timeout.
func NewTickBuffer(size int, flushTimeout time.Duration) *TickBuffer {
	if size <= 0 {
		size = 1
	}
	return &TickBuffer{maxSize: size, flushTimeout: flushTimeout, now: time.Now}
}

// Offer appends one tick.
func (b *TickBuffer) Offer(t domain.TickData) {
	if len(b.pending) == 0 {
		b.firstAt = b.now()
	}
	b.pending = append(b.pending, t)
}

// Len returns the pending tick count.
func (b *TickBuffer) Len() int { return len(b.pending) }

// Due reports whether a flush is due by size or elapsed time.
func (b *TickBuffer) Due() bool {
	if len(b.pending) == 0 {
		return false
	}
	if len(b.pending) >= b.maxSize {
		return true
	}
	return b.flushTimeout > 0 && b.now().Sub(b.firstAt) >= b.flushTimeout
}

// TimeUntilDue returns how long until the time-based flush fires, or
// fallback when no tick is pending or no timeout is configured.
func (b *TickBuffer) TimeUntilDue(fallback time.Duration) time.Duration {
	if len(b.pending) == 0 || b.flushTimeout <= 0 {
		return fallback
	}
	d := b.flushTimeout - b.now().Sub(b.firstAt)
	if d < 0 {
		return 0
	}
	if d > fallback {
		return fallback
	}
	return d
}

// Drain removes and returns all pending ticks.
func (b *TickBuffer) Drain() []domain.TickData {
	out := b.pending
	b.pending = nil
	return out
}
