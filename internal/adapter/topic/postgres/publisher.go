package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rainco77/evochora-sub004/internal/adapter/observability"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

// Publisher appends enveloped payloads to one topic within one run
// schema. A publisher binds to exactly one run for its lifetime.
type Publisher struct {
	pool    PgxPool
	topic   string
	monitor *resource.Monitor

	mu     sync.Mutex
	runID  string
	schema string
	closed bool
}

// NewPublisher creates an unbound publisher for topic.
func NewPublisher(pool PgxPool, topic string, monitor *resource.Monitor) *Publisher {
	return &Publisher{pool: pool, topic: topic, monitor: monitor}
}

// BindRun binds the publisher to a run, creating the run schema and
// topic tables if needed. Binding the same run again is a no-op;
// binding a different run fails.
func (p *Publisher) BindRun(ctx context.Context, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("op=topic.bind_run: %w: publisher closed", domain.ErrIllegalState)
	}
	if p.runID != "" {
		if p.runID == runID {
			return nil
		}
		return fmt.Errorf("op=topic.bind_run: %w: already bound to %s", domain.ErrIllegalState, p.runID)
	}
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	if err := ensureTopicSchema(ctx, p.pool, schema); err != nil {
		p.monitor.RecordError(domain.CodeSchemaSetupFailed, err.Error(), map[string]string{"run_id": runID})
		p.monitor.SetUsageState(resource.UsageTopicWrite, resource.StateFailed)
		return err
	}
	p.runID = runID
	p.schema = schema
	return nil
}

// Publish wraps payload in a fresh envelope and appends it to the topic.
// The insert and the wake-up notification are ordered: subscribers only
// hear about committed rows.
func (p *Publisher) Publish(ctx context.Context, typeURL string, payload []byte) error {
	p.mu.Lock()
	schema := p.schema
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("op=topic.publish: %w: publisher closed", domain.ErrIllegalState)
	}
	if schema == "" {
		return fmt.Errorf("op=topic.publish: %w: publisher not bound to a run", domain.ErrIllegalState)
	}

	env := wire.NewEnvelope(wire.FullName(typeURL), payload)
	sql := fmt.Sprintf(`INSERT INTO %s.topic_messages (topic_name, message_id, timestamp, envelope)
		VALUES ($1, $2, $3, $4) RETURNING id`, schema)

	var rowID int64
	if err := p.pool.QueryRow(ctx, sql, p.topic, env.MessageID, env.Timestamp, env.Marshal()).Scan(&rowID); err != nil {
		p.monitor.RecordError(domain.CodePublishFailed, err.Error(), map[string]string{
			"topic": p.topic, "message_id": env.MessageID,
		})
		p.monitor.SetUsageState(resource.UsageTopicWrite, resource.StateFailed)
		return fmt.Errorf("op=topic.publish code=%s: %w", domain.CodePublishFailed, err)
	}

	p.monitor.SetUsageState(resource.UsageTopicWrite, resource.StateActive)
	p.monitor.Inc("messages_published")
	p.monitor.Observe("publish_rate", 1)
	observability.MessagesPublishedTotal.WithLabelValues(p.topic).Inc()
	registry.offer(hubKey{topic: p.topic, schema: schema}, rowID)

	slog.Debug("message published",
		slog.String("topic", p.topic),
		slog.String("message_id", env.MessageID),
		slog.Int64("row_id", rowID))
	return nil
}

// Close marks the publisher unusable. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
