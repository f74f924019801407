package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutdedup/internal/events"
)

// DLQManager replays recalc requests the dispatcher could not deliver.
// Entries go back into the outbox, are dropped as superseded, or are
// quarantined once retries run out or the payload cannot be read.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		processed, err := m.RunOnce(ctx, batchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("dlq pass failed", "error", err)
		} else if processed > 0 {
			m.logger.Info("dlq entries resolved", "count", processed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes a batch of due DLQ entries and returns how many left the
// DLQ, either requeued or superseded.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries := make([]dlqEntry, 0, batchSize)
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}

	processed := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		processed++
	}

	if gaugeErr := refreshBacklog(ctx, m.pool); gaugeErr != nil {
		m.logger.Warn("dlq backlog refresh failed", "error", gaugeErr)
	}
	return processed, err
}

// handleEntry applies retry, supersede and quarantine logic for one entry.
// A recalc request is dropped when the outbox already holds an unpublished
// request for the same user starting no later, since that one recomputes a
// superset of the dates.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	if entry.RetryCount >= m.maxRetries {
		return m.quarantine(ctx, entry, quarantineRetryLimit)
	}

	var from time.Time
	if entry.EventType == events.TypeLoadRecalculationRequested {
		req, err := entry.recalcRequest()
		if err != nil {
			m.logger.Warn("dlq entry has unreadable recalc payload", "dlq_id", entry.ID, "error", err)
			return m.quarantine(ctx, entry, quarantineInvalidPayload)
		}
		from = req.From
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	outcome := dlqRequeued
	if !from.IsZero() {
		covered, err := pendingRecalcCovers(ctx, tx, entry.AggregateID, from)
		if err != nil {
			return err
		}
		if covered {
			outcome = dlqSuperseded
		}
	}

	if outcome == dlqRequeued {
		if insertErr := m.requeue(ctx, tx, entry); insertErr != nil {
			tx.Rollback(ctx)
			return m.scheduleRetry(ctx, entry, insertErr)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	recordDLQOutcome(entry, outcome)
	if outcome == dlqSuperseded {
		m.logger.Info("dlq recalc superseded by pending request", "dlq_id", entry.ID, "user_id", entry.AggregateID, "from", from)
	}
	return nil
}

// quarantine parks an entry for manual inspection. The returned error makes
// the pass report it.
func (m *DLQManager) quarantine(ctx context.Context, entry dlqEntry, reason string) error {
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
		reason, entry.ID,
	); err != nil {
		return err
	}
	recordQuarantine(entry, reason)
	m.logger.Warn("dlq entry quarantined", "dlq_id", entry.ID, "event_type", entry.EventType, "user_id", entry.AggregateID, "reason", reason, "retries", entry.RetryCount)
	return fmt.Errorf("dlq entry %d quarantined: %s", entry.ID, reason)
}

// pendingRecalcCovers reports whether an unpublished recalc request for userID
// already starts on or before from.
func pendingRecalcCovers(ctx context.Context, db rowQuerier, userID string, from time.Time) (bool, error) {
	var covered bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (
             SELECT 1 FROM outbox
              WHERE published_at IS NULL
                AND aggregate_id = $1
                AND event_type = $2
                AND (payload->'data'->>'from')::timestamptz <= $3)`,
		userID, events.TypeLoadRecalculationRequested, from,
	).Scan(&covered)
	return covered, err
}

// scheduleRetry pushes next_retry_at out with exponential backoff.
func (m *DLQManager) scheduleRetry(ctx context.Context, entry dlqEntry, cause error) error {
	delay := m.backoffDelay(entry.RetryCount + 1)
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $1::interval,
                reason = $2
          WHERE dlq_id = $3`,
		delay, cause.Error(), entry.ID,
	); err != nil {
		return errors.Join(cause, err)
	}
	recordDLQOutcome(entry, dlqRetryLater)
	return cause
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// requeue reinserts the payload into the primary outbox table for replay.
func (m *DLQManager) requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := tx.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

// recalcRequest decodes the CloudEvent stored in the entry.
func (e dlqEntry) recalcRequest() (events.LoadRecalculationRequested, error) {
	var req events.LoadRecalculationRequested
	var evt event.Event
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		return req, err
	}
	if err := evt.DataAs(&req); err != nil {
		return req, err
	}
	if req.UserID == "" || req.From.IsZero() {
		return req, errors.New("recalc request needs user_id and from")
	}
	if req.UserID != e.AggregateID {
		return req, fmt.Errorf("recalc user %q does not match aggregate %q", req.UserID, e.AggregateID)
	}
	return req, nil
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
