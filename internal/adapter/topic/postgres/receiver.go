package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/rainco77/evochora-sub004/internal/adapter/observability"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

const (
	// candidateScanLimit bounds one claim scan; under contention the next
	// Receive call picks up where the WHERE clause left off.
	candidateScanLimit = 10
	// defaultPollInterval bounds how long a receiver sleeps between scans
	// when no wake-up arrives. Claim expiry produces no notification, so
	// receivers must rescan on their own.
	defaultPollInterval = 500 * time.Millisecond
	// wakeQueueDepth sizes the per-receiver wake-up channel.
	wakeQueueDepth = 64
)

// ReceiverConfig parameterises one consumer-group member.
type ReceiverConfig struct {
	Group string
	// ClaimTimeout is how long a claim shields a message from competing
	// consumers. Zero disables reclaim entirely.
	ClaimTimeout time.Duration
	PollInterval time.Duration
}

// Receiver consumes one topic as a member of a consumer group. Each
// receiver has a unique consumer id; claims are tracked per group, so
// distinct groups never affect each other.
type Receiver struct {
	pool         PgxPool
	topic        string
	group        string
	consumerID   string
	claimTimeout time.Duration
	pollInterval time.Duration
	monitor      *resource.Monitor

	mu     sync.Mutex
	runID  string
	schema string
	sub    *subscriber
	closed bool
}

// NewReceiver creates an unbound receiver for topic.
func NewReceiver(pool PgxPool, topic string, cfg ReceiverConfig, monitor *resource.Monitor) *Receiver {
	pi := cfg.PollInterval
	if pi <= 0 {
		pi = defaultPollInterval
	}
	return &Receiver{
		pool:         pool,
		topic:        topic,
		group:        cfg.Group,
		consumerID:   ulid.Make().String(),
		claimTimeout: cfg.ClaimTimeout,
		pollInterval: pi,
		monitor:      monitor,
	}
}

// ConsumerID returns the receiver's unique member id.
func (r *Receiver) ConsumerID() string { return r.consumerID }

// BindRun binds the receiver to a run, creating the topic tables if
// needed and registering for wake-up notifications.
func (r *Receiver) BindRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("op=topic.bind_run: %w: receiver closed", domain.ErrIllegalState)
	}
	if r.runID != "" {
		if r.runID == runID {
			return nil
		}
		return fmt.Errorf("op=topic.bind_run: %w: already bound to %s", domain.ErrIllegalState, r.runID)
	}
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	if err := ensureTopicSchema(ctx, r.pool, schema); err != nil {
		r.monitor.RecordError(domain.CodeSchemaSetupFailed, err.Error(), map[string]string{"run_id": runID})
		r.monitor.SetUsageState(resource.UsageTopicRead, resource.StateFailed)
		return err
	}
	r.runID = runID
	r.schema = schema
	r.sub = registry.subscribe(hubKey{topic: r.topic, schema: schema}, wakeQueueDepth)
	return nil
}

// Receive claims and returns the next eligible message, waiting up to
// timeout. (nil, nil) means the timeout elapsed without a claimable
// message; that is the normal idle outcome, not an error.
func (r *Receiver) Receive(ctx context.Context, timeout time.Duration) (*domain.TopicMessage, error) {
	r.mu.Lock()
	schema, sub, closed := r.schema, r.sub, r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("op=topic.receive: %w: receiver closed", domain.ErrIllegalState)
	}
	if schema == "" {
		return nil, fmt.Errorf("op=topic.receive: %w: receiver not bound to a run", domain.ErrIllegalState)
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		msg, err := r.tryClaim(ctx, schema)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			r.monitor.SetUsageState(resource.UsageTopicRead, resource.StateActive)
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.monitor.SetUsageState(resource.UsageTopicRead, resource.StateWaiting)
			return nil, nil
		}
		wait := r.pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return nil, ctx.Err()
		case <-sub.Events():
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// tryClaim scans eligible messages in insertion order and races to claim
// the first one. Returns nil without error when nothing was claimable.
func (r *Receiver) tryClaim(ctx context.Context, schema string) (*domain.TopicMessage, error) {
	rows, err := r.pool.Query(ctx, r.candidateSQL(schema), r.topic, r.group)
	if err != nil {
		r.monitor.RecordError(domain.CodeClaimFailed, err.Error(), map[string]string{"topic": r.topic, "group": r.group})
		r.monitor.SetUsageState(resource.UsageTopicRead, resource.StateFailed)
		return nil, fmt.Errorf("op=topic.scan code=%s: %w", domain.CodeClaimFailed, err)
	}
	type candidate struct {
		rowID     int64
		messageID string
		timestamp int64
		envelope  []byte
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.rowID, &c.messageID, &c.timestamp, &c.envelope); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=topic.scan code=%s: %w", domain.CodeClaimFailed, err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=topic.scan code=%s: %w", domain.CodeClaimFailed, err)
	}

	for _, c := range candidates {
		version, ok, err := r.claim(ctx, schema, c.messageID)
		if err != nil {
			return nil, err
		}
		if !ok {
			observability.ClaimConflictsTotal.WithLabelValues(r.topic, r.group).Inc()
			r.monitor.Inc("claim_conflicts")
			continue
		}
		env, err := wire.UnmarshalEnvelope(c.envelope)
		if err != nil {
			r.monitor.RecordError(domain.CodeDeserializationError, err.Error(), map[string]string{
				"topic": r.topic, "message_id": c.messageID,
			})
			return nil, fmt.Errorf("op=topic.receive code=%s: %w", domain.CodeDeserializationError, err)
		}
		if version > 1 {
			observability.StuckMessagesReassignedTotal.WithLabelValues(r.topic, r.group).Inc()
			r.monitor.Inc("stuck_messages_reassigned")
			slog.Warn("expired claim taken over",
				slog.String("topic", r.topic),
				slog.String("group", r.group),
				slog.String("message_id", c.messageID),
				slog.Int("claim_version", int(version)))
		}
		observability.MessagesReceivedTotal.WithLabelValues(r.topic, r.group).Inc()
		r.monitor.Inc("messages_received")
		r.monitor.Observe("receive_rate", 1)
		return &domain.TopicMessage{
			Token:     domain.AckToken{RowID: c.rowID, ClaimVersion: version},
			MessageID: env.MessageID,
			Timestamp: env.Timestamp,
			TypeURL:   env.TypeURL,
			Payload:   env.Payload,
		}, nil
	}
	return nil, nil
}

// candidateSQL builds the eligibility scan. A message is eligible for
// this group when it has no group row yet, or its group row is
// unacknowledged and unclaimed, or its claim has expired. With reclaim
// disabled the expiry branch disappears entirely.
func (r *Receiver) candidateSQL(schema string) string {
	expiry := ""
	if r.claimTimeout > 0 {
		expiry = fmt.Sprintf(" OR g.claimed_at < now() - (%d * interval '1 millisecond')", r.claimTimeout.Milliseconds())
	}
	return fmt.Sprintf(`SELECT m.id, m.message_id, m.timestamp, m.envelope
		FROM %s.topic_messages m
		LEFT JOIN %s.topic_consumer_group g
		  ON g.topic_name = m.topic_name AND g.consumer_group = $2 AND g.message_id = m.message_id
		WHERE m.topic_name = $1
		  AND (g.message_id IS NULL
		       OR (g.acknowledged_at IS NULL AND (g.claimed_at IS NULL%s)))
		ORDER BY m.id
		LIMIT %d`, schema, schema, expiry, candidateScanLimit)
}

// claim races to take ownership of messageID for this group. A fresh
// group row starts at claim_version 1; taking over an expired or
// released claim bumps the version. ok=false means a competing consumer
// won the race.
func (r *Receiver) claim(ctx context.Context, schema, messageID string) (int32, bool, error) {
	insert := fmt.Sprintf(`INSERT INTO %s.topic_consumer_group
		(topic_name, consumer_group, message_id, claimed_by, claimed_at, claim_version)
		VALUES ($1, $2, $3, $4, now(), 1)
		ON CONFLICT (topic_name, consumer_group, message_id) DO NOTHING`, schema)
	tag, err := r.pool.Exec(ctx, insert, r.topic, r.group, messageID, r.consumerID)
	if err != nil {
		r.monitor.RecordError(domain.CodeClaimFailed, err.Error(), map[string]string{
			"topic": r.topic, "group": r.group, "message_id": messageID,
		})
		return 0, false, fmt.Errorf("op=topic.claim code=%s: %w", domain.CodeClaimFailed, err)
	}
	if tag.RowsAffected() == 1 {
		return 1, true, nil
	}

	expiry := ""
	if r.claimTimeout > 0 {
		expiry = fmt.Sprintf(" OR claimed_at < now() - (%d * interval '1 millisecond')", r.claimTimeout.Milliseconds())
	}
	update := fmt.Sprintf(`UPDATE %s.topic_consumer_group
		SET claimed_by = $4, claimed_at = now(), claim_version = claim_version + 1
		WHERE topic_name = $1 AND consumer_group = $2 AND message_id = $3
		  AND acknowledged_at IS NULL
		  AND (claimed_at IS NULL%s)
		RETURNING claim_version`, schema, expiry)
	var version int32
	err = r.pool.QueryRow(ctx, update, r.topic, r.group, messageID, r.consumerID).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		r.monitor.RecordError(domain.CodeClaimFailed, err.Error(), map[string]string{
			"topic": r.topic, "group": r.group, "message_id": messageID,
		})
		return 0, false, fmt.Errorf("op=topic.claim code=%s: %w", domain.CodeClaimFailed, err)
	}
	return version, true, nil
}

// Ack marks msg processed for this group. The acknowledgement and the
// claim release run in one transaction; a claim version that moved on
// since the claim rejects the whole ack.
func (r *Receiver) Ack(ctx context.Context, msg *domain.TopicMessage) error {
	r.mu.Lock()
	schema, closed := r.schema, r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("op=topic.ack: %w: receiver closed", domain.ErrIllegalState)
	}
	if schema == "" {
		return fmt.Errorf("op=topic.ack: %w: receiver not bound to a run", domain.ErrIllegalState)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		r.monitor.RecordError(domain.CodeAckTxFailed, err.Error(), map[string]string{"topic": r.topic, "group": r.group})
		return fmt.Errorf("op=topic.ack code=%s: %w", domain.CodeAckTxFailed, err)
	}
	defer tx.Rollback(ctx)

	// Resolve the durable message id from the row id of the token; the
	// token survives even when the caller drops the message struct.
	var messageID string
	lookup := fmt.Sprintf(`SELECT message_id FROM %s.topic_messages WHERE id = $1 AND topic_name = $2`, schema)
	if err := tx.QueryRow(ctx, lookup, msg.Token.RowID, r.topic).Scan(&messageID); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=topic.ack code=%s: %w: row %d", domain.CodeAckLookupFailed, domain.ErrNotFound, msg.Token.RowID)
		}
		r.monitor.RecordError(domain.CodeAckLookupFailed, err.Error(), map[string]string{"topic": r.topic})
		return fmt.Errorf("op=topic.ack code=%s: %w", domain.CodeAckLookupFailed, err)
	}

	// Acknowledgement is monotone: the first ack wins and later acks keep
	// the original timestamp.
	ack := fmt.Sprintf(`INSERT INTO %s.topic_consumer_group
		(topic_name, consumer_group, message_id, claim_version, acknowledged_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (topic_name, consumer_group, message_id)
		DO UPDATE SET acknowledged_at = COALESCE(topic_consumer_group.acknowledged_at, now())`, schema)
	if _, err := tx.Exec(ctx, ack, r.topic, r.group, messageID, msg.Token.ClaimVersion); err != nil {
		r.monitor.RecordError(domain.CodeAckFailed, err.Error(), map[string]string{"topic": r.topic, "group": r.group})
		return fmt.Errorf("op=topic.ack code=%s: %w", domain.CodeAckFailed, err)
	}

	release := fmt.Sprintf(`UPDATE %s.topic_consumer_group
		SET claimed_by = NULL, claimed_at = NULL
		WHERE topic_name = $1 AND consumer_group = $2 AND message_id = $3 AND claim_version = $4`, schema)
	tag, err := tx.Exec(ctx, release, r.topic, r.group, messageID, msg.Token.ClaimVersion)
	if err != nil {
		r.monitor.RecordError(domain.CodeReleaseClaimFailed, err.Error(), map[string]string{"topic": r.topic, "group": r.group})
		return fmt.Errorf("op=topic.ack code=%s: %w", domain.CodeReleaseClaimFailed, err)
	}
	if tag.RowsAffected() == 0 {
		// The claim moved on while we were processing; the whole ack rolls
		// back so the new owner's redelivery stays authoritative.
		observability.StaleAcksRejectedTotal.WithLabelValues(r.topic, r.group).Inc()
		r.monitor.Inc("stale_acks_rejected")
		r.monitor.RecordError(domain.CodeStaleAckRejected,
			fmt.Sprintf("claim version %d no longer current for message %s", msg.Token.ClaimVersion, messageID),
			map[string]string{"topic": r.topic, "group": r.group, "message_id": messageID})
		return fmt.Errorf("op=topic.ack code=%s: %w: message %s version %d",
			domain.CodeStaleAckRejected, domain.ErrStaleAck, messageID, msg.Token.ClaimVersion)
	}

	if err := tx.Commit(ctx); err != nil {
		r.monitor.RecordError(domain.CodeAckTxFailed, err.Error(), map[string]string{"topic": r.topic, "group": r.group})
		return fmt.Errorf("op=topic.ack code=%s: %w", domain.CodeAckTxFailed, err)
	}
	observability.MessagesAckedTotal.WithLabelValues(r.topic, r.group).Inc()
	r.monitor.Inc("messages_acked")
	return nil
}

// Close detaches the receiver from the notification registry. Idempotent.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	return nil
}
