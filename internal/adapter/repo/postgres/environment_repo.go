package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rainco77/evochora-sub004/internal/codec"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
)

// EnvironmentRepo writes one row per tick carrying the opaque
// environment state blob through the codec layer.
type EnvironmentRepo struct {
	pool    Pool
	write   codec.Codec
	monitor *resource.Monitor
}

// NewEnvironmentRepo creates an environment repository writing new blobs
// with the named codec.
func NewEnvironmentRepo(pool Pool, writeCodec string, monitor *resource.Monitor) (*EnvironmentRepo, error) {
	c, err := codec.ByName(writeCodec)
	if err != nil {
		return nil, err
	}
	return &EnvironmentRepo{pool: pool, write: c, monitor: monitor}, nil
}

// PrepareSchema creates the run schema and environment table. Idempotent.
func (r *EnvironmentRepo) PrepareSchema(ctx context.Context, runID string) error {
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	if err := ensureSchema(ctx, r.pool, schema); err != nil {
		r.recordFailure(domain.CodeCreateSchemaFailed, err)
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.environment_states (
		tick_number BIGINT PRIMARY KEY,
		state_blob BYTEA NOT NULL
	)`, schema)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		err = fmt.Errorf("op=repo.environment.prepare code=%s: %w", domain.CodeSchemaSetupFailed, err)
		r.recordFailure(domain.CodeSchemaSetupFailed, err)
		return err
	}
	r.monitor.SetUsageState(resource.UsageDBEnvironment, resource.StateActive)
	return nil
}

// UpsertTicks merges one row per tick within a single transaction.
func (r *EnvironmentRepo) UpsertTicks(ctx context.Context, runID string, ticks []domain.TickData) error {
	if len(ticks) == 0 {
		return nil
	}
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("op=repo.environment.upsert code=%s: %w", domain.CodeWriteFailed, err)
		r.recordFailure(domain.CodeWriteFailed, err)
		return err
	}
	defer tx.Rollback(ctx)

	merge := fmt.Sprintf(`INSERT INTO %s.environment_states (tick_number, state_blob)
		VALUES ($1, $2)
		ON CONFLICT (tick_number) DO UPDATE SET state_blob = EXCLUDED.state_blob`, schema)
	for _, tick := range ticks {
		blob, err := codec.Encode(r.write, tick.EnvironmentState)
		if err != nil {
			err = fmt.Errorf("op=repo.environment.upsert: %w", err)
			r.recordFailure(domain.CodeWriteFailed, err)
			return err
		}
		if _, err := tx.Exec(ctx, merge, tick.TickNumber, blob); err != nil {
			err = fmt.Errorf("op=repo.environment.upsert code=%s: %w", domain.CodeWriteFailed, err)
			r.recordFailure(domain.CodeWriteFailed, err)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		err = fmt.Errorf("op=repo.environment.upsert code=%s: %w", domain.CodeWriteFailed, err)
		r.recordFailure(domain.CodeWriteFailed, err)
		return err
	}
	r.monitor.SetUsageState(resource.UsageDBEnvironment, resource.StateActive)
	r.monitor.Add("environment_rows_upserted", int64(len(ticks)))
	return nil
}

func (r *EnvironmentRepo) recordFailure(code string, err error) {
	r.monitor.RecordError(code, err.Error(), nil)
	r.monitor.SetUsageState(resource.UsageDBEnvironment, resource.StateFailed)
}
