package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

func TestTickBuffer_SizeFlush(t *testing.T) {
	b := NewTickBuffer(3, time.Minute)
	assert.False(t, b.Due())

	b.Offer(domain.TickData{TickNumber: 1})
	b.Offer(domain.TickData{TickNumber: 2})
	assert.False(t, b.Due())

	b.Offer(domain.TickData{TickNumber: 3})
	assert.True(t, b.Due())

	ticks := b.Drain()
	require.Len(t, ticks, 3)
	assert.Equal(t, int64(1), ticks[0].TickNumber)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Due())
}

func TestTickBuffer_TimeFlush(t *testing.T) {
	now := time.Unix(100, 0)
	b := NewTickBuffer(1000, 50*time.Millisecond)
	b.now = func() time.Time { return now }

	b.Offer(domain.TickData{TickNumber: 1})
	assert.False(t, b.Due())

	now = now.Add(60 * time.Millisecond)
	assert.True(t, b.Due())
}

func TestTickBuffer_TimeUntilDue(t *testing.T) {
	now := time.Unix(100, 0)
	b := NewTickBuffer(1000, 100*time.Millisecond)
	b.now = func() time.Time { return now }

	// Empty buffer: the fallback receive timeout applies.
	assert.Equal(t, time.Second, b.TimeUntilDue(time.Second))

	b.Offer(domain.TickData{TickNumber: 1})
	now = now.Add(30 * time.Millisecond)
	assert.Equal(t, 70*time.Millisecond, b.TimeUntilDue(time.Second))

	// The fallback caps the wait.
	assert.Equal(t, 10*time.Millisecond, b.TimeUntilDue(10*time.Millisecond))

	now = now.Add(200 * time.Millisecond)
	assert.Equal(t, time.Duration(0), b.TimeUntilDue(time.Second))
}

func TestTickBuffer_NoTimeout(t *testing.T) {
	b := NewTickBuffer(2, 0)
	b.Offer(domain.TickData{TickNumber: 1})
	assert.False(t, b.Due())
	assert.Equal(t, time.Second, b.TimeUntilDue(time.Second))
	b.Offer(domain.TickData{TickNumber: 2})
	assert.True(t, b.Due())
}
