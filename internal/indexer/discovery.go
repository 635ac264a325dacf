package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// DiscoveryConfig selects the run an indexer attaches to. An explicit
// RunID means post-mortem mode; otherwise the indexer watches storage
// for the first run started after its own start time.
type DiscoveryConfig struct {
	RunID           string
	PollInterval    time.Duration
	MaxPollDuration time.Duration
}

var errNoRunYet = errors.New("no run discovered yet")

// DiscoverRun resolves the run id to index. In live mode it polls
// storage for runs newer than the moment of the call and picks the
// earliest; DISCOVERY_TIMEOUT when none appears in time.
func DiscoverRun(ctx context.Context, store domain.BlobStore, cfg DiscoveryConfig, log *slog.Logger) (string, error) {
	if cfg.RunID != "" {
		if !domain.ValidRunID(cfg.RunID) {
			return "", fmt.Errorf("op=indexer.discover: %w: run id %q", domain.ErrInvalidArgument, cfg.RunID)
		}
		log.Info("post-mortem mode", slog.String("run_id", cfg.RunID))
		return cfg.RunID, nil
	}

	t0 := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, cfg.MaxPollDuration)
	defer cancel()

	var runID string
	op := func() error {
		ids, err := store.ListRunIDs(pollCtx, t0)
		if err != nil {
			log.Warn("run listing failed, retrying", slog.String("error", err.Error()))
			return err
		}
		if len(ids) == 0 {
			return errNoRunYet
		}
		runID = ids[0]
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(cfg.PollInterval), pollCtx))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if pollCtx.Err() != nil {
			return "", fmt.Errorf("op=indexer.discover code=%s: %w: no run within %s",
				domain.CodeDiscoveryTimeout, domain.ErrDiscoveryTimeout, cfg.MaxPollDuration)
		}
		return "", fmt.Errorf("op=indexer.discover: %w", err)
	}
	log.Info("run discovered", slog.String("run_id", runID))
	return runID, nil
}

// pollBlob reads a storage key, retrying while the key does not exist
// yet. Callers use it for blobs that are expected to arrive eventually.
func pollBlob(ctx context.Context, store domain.BlobStore, key string, interval, maxDuration time.Duration) ([]byte, error) {
	pollCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	var payload []byte
	op := func() error {
		b, err := store.ReadMessage(pollCtx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		payload = b
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("op=indexer.poll_blob key=%s: %w", key, err)
	}
	return payload, nil
}
