// Package postgres implements the per-run schema repositories the
// indexers write through: metadata, organisms, and environment state.
// All writes are MERGEs keyed on the natural identifier, so redelivered
// batches converge to the same rows without duplicates.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Pool is the subset of pgxpool the repositories use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// schemaFor validates the run id and derives its schema name.
func schemaFor(runID string) (string, error) {
	if !domain.ValidRunID(runID) {
		return "", fmt.Errorf("op=repo.schema_for: %w: run id %q", domain.ErrInvalidArgument, runID)
	}
	return domain.SchemaName(runID), nil
}

// ensureSchema creates the run schema itself.
func ensureSchema(ctx context.Context, pool Pool, schema string) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		return fmt.Errorf("op=repo.create_schema code=%s: %w", domain.CodeCreateSchemaFailed, err)
	}
	return nil
}
