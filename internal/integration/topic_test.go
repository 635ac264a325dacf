// Package integration exercises the topic engine against a real
// PostgreSQL instance. The tests need Docker and are skipped unless
// EVOCHORA_INTEGRATION_TESTS is set.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	topicpg "github.com/rainco77/evochora-sub004/internal/adapter/topic/postgres"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

const topicName = "batch-topic"

func startPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("EVOCHORA_INTEGRATION_TESTS") == "" {
		t.Skip("set EVOCHORA_INTEGRATION_TESTS=1 to run integration tests")
	}
	ctx := context.Background()

	pgc, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("evochora"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(90*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgc.Terminate(ctx) })

	host, err := pgc.Host(ctx)
	require.NoError(t, err)
	port, err := pgc.MappedPort(ctx, nat.Port("5432/tcp"))
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/evochora?sslmode=disable", host, port.Port())

	pool, err := topicpg.NewPool(ctx, dsn, topicpg.PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func freshRunID() string {
	return domain.NewRunID(time.Now().UTC(), uuid.NewString())
}

func newPublisher(t *testing.T, pool *pgxpool.Pool, runID string) *topicpg.Publisher {
	t.Helper()
	pub := topicpg.NewPublisher(pool, topicName, resource.NewMonitor("pub", time.Second))
	require.NoError(t, pub.BindRun(context.Background(), runID))
	t.Cleanup(func() { _ = pub.Close() })
	return pub
}

func newReceiver(t *testing.T, pool *pgxpool.Pool, runID, group string, claimTimeout time.Duration) *topicpg.Receiver {
	t.Helper()
	recv := topicpg.NewReceiver(pool, topicName, topicpg.ReceiverConfig{
		Group:        group,
		ClaimTimeout: claimTimeout,
		PollInterval: 50 * time.Millisecond,
	}, resource.NewMonitor("recv:"+group, time.Second))
	require.NoError(t, recv.BindRun(context.Background(), runID))
	t.Cleanup(func() { _ = recv.Close() })
	return recv
}

func publishBatchInfo(t *testing.T, pub *topicpg.Publisher, runID string, tick int64) {
	t.Helper()
	info := domain.BatchInfo{
		SimulationRunID: runID,
		StorageKey:      domain.BatchKey(runID, tick, tick),
		TickStart:       tick,
		TickEnd:         tick,
		WrittenAtMs:     time.Now().UnixMilli(),
	}
	require.NoError(t, pub.Publish(context.Background(), wire.TypeBatchInfo, wire.MarshalBatchInfo(info)))
}

func TestTopicEngine_PublishReceiveAck(t *testing.T) {
	pool := startPool(t)
	runID := freshRunID()
	ctx := context.Background()

	pub := newPublisher(t, pool, runID)
	recv := newReceiver(t, pool, runID, "indexers", 30*time.Second)

	publishBatchInfo(t, pub, runID, 1)

	msg, err := recv.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg.TypeURL, wire.TypeBatchInfo)
	info, err := wire.UnmarshalBatchInfo(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.TickStart)

	require.NoError(t, recv.Ack(ctx, msg))

	// Acked messages are never redelivered.
	again, err := recv.Receive(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestTopicEngine_CompetingConsumersShareWork(t *testing.T) {
	pool := startPool(t)
	runID := freshRunID()
	ctx := context.Background()

	pub := newPublisher(t, pool, runID)
	a := newReceiver(t, pool, runID, "indexers", 30*time.Second)
	b := newReceiver(t, pool, runID, "indexers", 30*time.Second)

	const n = 10
	for i := int64(1); i <= n; i++ {
		publishBatchInfo(t, pub, runID, i)
	}

	seen := map[string]int{}
	receivers := []*topicpg.Receiver{a, b}
	for len(seen) < n {
		progressed := false
		for _, r := range receivers {
			msg, err := r.Receive(ctx, time.Second)
			require.NoError(t, err)
			if msg == nil {
				continue
			}
			seen[msg.MessageID]++
			require.NoError(t, r.Ack(ctx, msg))
			progressed = true
		}
		require.True(t, progressed, "no receiver made progress with messages outstanding")
	}

	// Every message delivered exactly once across the group.
	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered more than once", id)
	}
}

func TestTopicEngine_ExpiredClaimIsTakenOver(t *testing.T) {
	pool := startPool(t)
	runID := freshRunID()
	ctx := context.Background()

	pub := newPublisher(t, pool, runID)
	a := newReceiver(t, pool, runID, "indexers", 200*time.Millisecond)
	b := newReceiver(t, pool, runID, "indexers", 200*time.Millisecond)

	publishBatchInfo(t, pub, runID, 1)

	// A claims but never acks.
	stale, err := a.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	// After the claim timeout B takes the message over.
	var msg *domain.TopicMessage
	require.Eventually(t, func() bool {
		m, err := b.Receive(ctx, time.Second)
		require.NoError(t, err)
		if m != nil {
			msg = m
			return true
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
	require.Equal(t, stale.MessageID, msg.MessageID)
	require.NoError(t, b.Ack(ctx, msg))

	// A's token lost the claim; its late ack is rejected and the
	// acknowledgement stays intact.
	err = a.Ack(ctx, stale)
	require.ErrorIs(t, err, domain.ErrStaleAck)
	again, err := b.Receive(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestTopicEngine_MessagesSurviveReopen(t *testing.T) {
	pool := startPool(t)
	runID := freshRunID()
	ctx := context.Background()

	pub := newPublisher(t, pool, runID)
	publishBatchInfo(t, pub, runID, 42)
	require.NoError(t, pub.Close())

	// A receiver created after the publisher is gone still drains the
	// topic: the log is the database, not the process.
	recv := newReceiver(t, pool, runID, "indexers", 30*time.Second)
	msg, err := recv.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	info, err := wire.UnmarshalBatchInfo(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.TickStart)
	require.NoError(t, recv.Ack(ctx, msg))
}

func TestTopicEngine_GroupsAreIndependent(t *testing.T) {
	pool := startPool(t)
	runID := freshRunID()
	ctx := context.Background()

	pub := newPublisher(t, pool, runID)
	organisms := newReceiver(t, pool, runID, "organism-indexers", 30*time.Second)
	environments := newReceiver(t, pool, runID, "environment-indexers", 30*time.Second)

	const n = 3
	for i := int64(1); i <= n; i++ {
		publishBatchInfo(t, pub, runID, i)
	}

	for _, r := range []*topicpg.Receiver{organisms, environments} {
		var got []string
		for len(got) < n {
			msg, err := r.Receive(ctx, 5*time.Second)
			require.NoError(t, err)
			require.NotNil(t, msg, "group starved before seeing all messages")
			got = append(got, msg.MessageID)
			require.NoError(t, r.Ack(ctx, msg))
		}
		require.Len(t, got, n)
	}
}
