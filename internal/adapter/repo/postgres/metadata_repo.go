package postgres

import (
	"context"
	"fmt"

	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
)

// MetadataRepo writes per-run metadata key/value rows.
type MetadataRepo struct {
	pool    Pool
	monitor *resource.Monitor
}

// NewMetadataRepo creates a metadata repository over pool.
func NewMetadataRepo(pool Pool, monitor *resource.Monitor) *MetadataRepo {
	return &MetadataRepo{pool: pool, monitor: monitor}
}

// PrepareSchema creates the run schema and metadata table. Idempotent.
func (r *MetadataRepo) PrepareSchema(ctx context.Context, runID string) error {
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	if err := ensureSchema(ctx, r.pool, schema); err != nil {
		r.recordFailure(domain.CodeCreateSchemaFailed, err)
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metadata (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL
	)`, schema)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		err = fmt.Errorf("op=repo.metadata.prepare code=%s: %w", domain.CodeSchemaSetupFailed, err)
		r.recordFailure(domain.CodeSchemaSetupFailed, err)
		return err
	}
	r.monitor.SetUsageState(resource.UsageDBMetadata, resource.StateActive)
	return nil
}

// UpsertMetadata merges one key/value row; the latest value wins.
func (r *MetadataRepo) UpsertMetadata(ctx context.Context, runID, key string, valueJSON []byte) error {
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s.metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, schema)
	if _, err := r.pool.Exec(ctx, sql, key, valueJSON); err != nil {
		err = fmt.Errorf("op=repo.metadata.upsert code=%s: %w", domain.CodeInsertMetadataFailed, err)
		r.recordFailure(domain.CodeInsertMetadataFailed, err)
		return err
	}
	r.monitor.SetUsageState(resource.UsageDBMetadata, resource.StateActive)
	r.monitor.Inc("metadata_rows_upserted")
	return nil
}

func (r *MetadataRepo) recordFailure(code string, err error) {
	r.monitor.RecordError(code, err.Error(), nil)
	r.monitor.SetUsageState(resource.UsageDBMetadata, resource.StateFailed)
}
