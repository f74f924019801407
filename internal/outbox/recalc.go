package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"example.com/workoutdedup/internal/events"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RecalcTrigger requests training-load recalculation by writing a
// CloudEvent row to the outbox. The row is committed on its own, outside any
// merge transaction, and delivered later by the Dispatcher.
type RecalcTrigger struct {
	db    execer
	topic string
}

// NewRecalcTrigger constructs a RecalcTrigger publishing to topic.
func NewRecalcTrigger(db execer, topic string) *RecalcTrigger {
	return &RecalcTrigger{db: db, topic: topic}
}

// Enqueue implements domain.LoadRecalculator.
func (t *RecalcTrigger) Enqueue(ctx context.Context, userID string, from time.Time) error {
	evt, err := events.NewRecalculationEvent(userID, from)
	if err != nil {
		return fmt.Errorf("building recalculation event: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding recalculation event: %w", err)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
                   VALUES ('user', $1, $2, $3, $4, $1, $5, $6)
                   ON CONFLICT (dedupe_key) DO NOTHING`

	if _, err := t.db.Exec(ctx, stmt,
		userID,
		events.TypeLoadRecalculationRequested,
		t.topic,
		t.topic+"-value",
		payload,
		evt.ID(),
	); err != nil {
		return fmt.Errorf("writing recalculation request to outbox: %w", err)
	}
	enqueuedCounter.WithLabelValues(events.TypeLoadRecalculationRequested).Inc()
	return nil
}
