//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/workoutdedup/internal/events"
)

func TestDispatcherPublishesRecalcRequests(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	trigger := NewRecalcTrigger(pool, "training_load_requests")
	require.NoError(t, trigger.Enqueue(ctx, "user-1", time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)))

	producer := &stubProducer{}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 42}, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "training_load_requests", producer.writes[0].topic)
	require.Equal(t, []byte("user-1"), producer.writes[0].messages[0].Key)
	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	// A second pass finds nothing left to claim.
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestFailedDeliveryIsReplayedFromDLQ(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	require.NoError(t, NewRecalcTrigger(pool, "training_load_requests").Enqueue(ctx, "user-1", time.Now()))

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("kafka unavailable")}, &stubRegistry{id: 7}, 10*time.Millisecond, 5)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("training_load_requests"))
	require.NoError(t, failing.processBatch(ctx))
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("training_load_requests")), 0.0001)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq`).Scan(&reason))
	require.Contains(t, reason, "kafka unavailable")

	manager := NewDLQManager(pool, 5, time.Second, nil)
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))

	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5).processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	_, err := pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
         VALUES (1, 'training_load.recalculation_requested', 'training_load_requests', '{}', 'boom', 'user', 'user-1', 'training_load_requests-value', 'user-1', 5)`)
	require.NoError(t, err)

	replayed, err := NewDLQManager(pool, 5, time.Second, nil).RunOnce(ctx, 10)
	require.Error(t, err)
	require.Zero(t, replayed)

	var (
		quarantined bool
		reason      string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantined_at IS NOT NULL, quarantine_reason FROM outbox_dlq`).Scan(&quarantined, &reason))
	require.True(t, quarantined)
	require.Equal(t, quarantineRetryLimit, reason)
}

func TestDLQManagerQuarantinesUnreadableRecalcPayload(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	insertDLQEntry(t, ctx, pool, "user-1", []byte(`{"user_id":"user-1"}`))

	before := testutil.ToFloat64(dlqQuarantineCounter.WithLabelValues(quarantineInvalidPayload))
	replayed, err := NewDLQManager(pool, 5, time.Second, nil).RunOnce(ctx, 10)
	require.Error(t, err)
	require.Zero(t, replayed)
	require.InDelta(t, before+1, testutil.ToFloat64(dlqQuarantineCounter.WithLabelValues(quarantineInvalidPayload)), 0.0001)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantine_reason FROM outbox_dlq`).Scan(&reason))
	require.Equal(t, quarantineInvalidPayload, reason)
}

func TestDLQManagerDropsRecalcCoveredByPendingRequest(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	// A later merge already asked for a recalc from May; the failed June
	// request recomputes nothing new.
	require.NoError(t, NewRecalcTrigger(pool, "training_load_requests").Enqueue(ctx, "user-1", time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)))

	june, err := events.NewRecalculationEvent("user-1", time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	payload, err := json.Marshal(june)
	require.NoError(t, err)
	insertDLQEntry(t, ctx, pool, "user-1", payload)

	april, err := events.NewRecalculationEvent("user-1", time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	payload, err = json.Marshal(april)
	require.NoError(t, err)
	insertDLQEntry(t, ctx, pool, "user-1", payload)

	beforeSuperseded := testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(events.TypeLoadRecalculationRequested, dlqSuperseded))
	replayed, err := NewDLQManager(pool, 5, time.Second, nil).RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, replayed)
	require.InDelta(t, beforeSuperseded+1, testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(events.TypeLoadRecalculationRequested, dlqSuperseded)), 0.0001)
	require.Zero(t, testutil.ToFloat64(dlqBacklogGauge))
	require.Zero(t, testutil.ToFloat64(dlqOldestAgeGauge))

	// Only the April request, which reaches further back, was requeued.
	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 2, pending)
}

func insertDLQEntry(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID string, payload []byte) {
	t.Helper()
	_, err := pool.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key)
         VALUES (1, $1, 'training_load_requests', $2, 'kafka unavailable', 'user', $3, 'training_load_requests-value', $3)`,
		events.TypeLoadRecalculationRequested, payload, userID)
	require.NoError(t, err)
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("workouts"),
		postgrescontainer.WithUsername("dedup"),
		postgrescontainer.WithPassword("dedup"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	contents, err := os.ReadFile(resolvePath(t, "../../db/postgres/migrations/0001_init.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(contents))
	require.NoError(t, err)
	return pool
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
