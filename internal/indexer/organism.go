package indexer

import (
	"context"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// OrganismIndexer writes organism static rows and per-tick states. The
// metadata component gates the first flush so the schema is only
// prepared for runs whose metadata arrived.
type OrganismIndexer struct {
	repo     domain.OrganismRepository
	metadata *MetadataComponent
}

// NewOrganismIndexer creates the organism write path.
func NewOrganismIndexer(repo domain.OrganismRepository, metadata *MetadataComponent) *OrganismIndexer {
	return &OrganismIndexer{repo: repo, metadata: metadata}
}

func (x *OrganismIndexer) Name() string { return "organism" }

// PrepareSchema creates the organism tables. Idempotent.
func (x *OrganismIndexer) PrepareSchema(ctx context.Context, runID string) error {
	return x.repo.PrepareSchema(ctx, runID)
}

// FlushTicks merges the buffered ticks into the organism tables.
func (x *OrganismIndexer) FlushTicks(ctx context.Context, runID string, ticks []domain.TickData) error {
	if x.metadata != nil {
		if _, err := x.metadata.Get(ctx); err != nil {
			return err
		}
	}
	return x.repo.UpsertOrganisms(ctx, runID, ticks)
}
