package postgres

import (
	"context"
	"fmt"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// ensureTopicSchema creates the run schema and the topic tables
// idempotently. Safe to call concurrently and repeatedly.
func ensureTopicSchema(ctx context.Context, pool PgxPool, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.topic_messages (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			topic_name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			envelope BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (topic_name, message_id)
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_topic_messages_topic_id
			ON %s.topic_messages (topic_name, id)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.topic_consumer_group (
			topic_name TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			message_id TEXT NOT NULL,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			claim_version INT NOT NULL DEFAULT 1,
			acknowledged_at TIMESTAMPTZ,
			PRIMARY KEY (topic_name, consumer_group, message_id)
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_topic_consumer_group_claims
			ON %s.topic_consumer_group (topic_name, claimed_by, claimed_at)`, schema),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=topic.ensure_schema code=%s: %w", domain.CodeSchemaSetupFailed, err)
		}
	}
	return nil
}

// schemaFor validates the run id and derives its schema name. Validation
// doubles as the injection guard for schema-qualified statements.
func schemaFor(runID string) (string, error) {
	if !domain.ValidRunID(runID) {
		return "", fmt.Errorf("op=topic.schema_for: %w: run id %q", domain.ErrInvalidArgument, runID)
	}
	return domain.SchemaName(runID), nil
}
