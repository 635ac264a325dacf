package indexer

import (
	"context"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// EnvironmentIndexer writes one environment row per tick. The blob is
// opaque here; the repository wraps it in the codec envelope unchanged.
type EnvironmentIndexer struct {
	repo     domain.EnvironmentRepository
	metadata *MetadataComponent
}

// NewEnvironmentIndexer creates the environment write path.
func NewEnvironmentIndexer(repo domain.EnvironmentRepository, metadata *MetadataComponent) *EnvironmentIndexer {
	return &EnvironmentIndexer{repo: repo, metadata: metadata}
}

func (x *EnvironmentIndexer) Name() string { return "environment" }

// PrepareSchema creates the environment table. Idempotent.
func (x *EnvironmentIndexer) PrepareSchema(ctx context.Context, runID string) error {
	return x.repo.PrepareSchema(ctx, runID)
}

// FlushTicks merges the buffered ticks into the environment table.
func (x *EnvironmentIndexer) FlushTicks(ctx context.Context, runID string, ticks []domain.TickData) error {
	if x.metadata != nil {
		if _, err := x.metadata.Get(ctx); err != nil {
			return err
		}
	}
	return x.repo.UpsertTicks(ctx, runID, ticks)
}
