package indexer

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

func testLogger() *slog.Logger { return slog.Default() }

func makeRunID(t time.Time) string {
	return domain.NewRunID(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
}

func TestDiscoverRun_ExplicitRunID(t *testing.T) {
	id := makeRunID(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	got, err := DiscoverRun(context.Background(), newFakeStore(), DiscoveryConfig{RunID: id}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDiscoverRun_RejectsMalformedExplicitID(t *testing.T) {
	_, err := DiscoverRun(context.Background(), newFakeStore(), DiscoveryConfig{RunID: "bogus"}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDiscoverRun_LiveModeFindsNewRun(t *testing.T) {
	store := newFakeStore()
	// A run from before discovery start must be ignored.
	store.addRun(makeRunID(time.Now().Add(-time.Hour)))

	go func() {
		time.Sleep(30 * time.Millisecond)
		store.addRun(makeRunID(time.Now().Add(time.Second)))
	}()

	got, err := DiscoverRun(context.Background(), store, DiscoveryConfig{
		PollInterval:    10 * time.Millisecond,
		MaxPollDuration: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	assert.True(t, domain.ValidRunID(got))

	ts, err := domain.ParseRunIDTime(got)
	require.NoError(t, err)
	assert.True(t, ts.After(time.Now().Add(-time.Minute)))
}

func TestDiscoverRun_Timeout(t *testing.T) {
	_, err := DiscoverRun(context.Background(), newFakeStore(), DiscoveryConfig{
		PollInterval:    5 * time.Millisecond,
		MaxPollDuration: 30 * time.Millisecond,
	}, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDiscoveryTimeout)
	assert.Contains(t, err.Error(), domain.CodeDiscoveryTimeout)
}

func TestDiscoverRun_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := DiscoverRun(ctx, newFakeStore(), DiscoveryConfig{
		PollInterval:    5 * time.Millisecond,
		MaxPollDuration: time.Minute,
	}, testLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollBlob_WaitsForArrival(t *testing.T) {
	store := newFakeStore()
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.WriteMessage(context.Background(), "r/metadata.pb", []byte("meta"))
	}()

	b, err := pollBlob(context.Background(), store, "r/metadata.pb", 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), b)
}

func TestPollBlob_Timeout(t *testing.T) {
	_, err := pollBlob(context.Background(), newFakeStore(), "missing", 5*time.Millisecond, 30*time.Millisecond)
	assert.Error(t, err)
}
