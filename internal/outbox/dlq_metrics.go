package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of one DLQ pass over an entry.
const (
	dlqRequeued    = "requeued"
	dlqSuperseded  = "superseded"
	dlqRetryLater  = "retry_scheduled"
	dlqQuarantined = "quarantined"
)

// Quarantine reasons, stored in outbox_dlq.quarantine_reason.
const (
	quarantineRetryLimit     = "retry_limit"
	quarantineInvalidPayload = "invalid_payload"
)

var (
	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by event type and outcome (requeued, superseded, retry_scheduled, quarantined).",
	}, []string{"event_type", "outcome"})

	dlqQuarantineCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "dlq",
		Name:      "quarantined_total",
		Help:      "DLQ entries set aside for manual inspection, by reason.",
	}, []string{"reason"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workout_dedup",
		Subsystem: "dlq",
		Name:      "pending_entries",
		Help:      "Entries still waiting for a replay.",
	})

	dlqOldestAgeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workout_dedup",
		Subsystem: "dlq",
		Name:      "oldest_pending_age_seconds",
		Help:      "Age of the oldest pending entry. A recalc request this old means training load has been stale as long.",
	})
)

func init() {
	prometheus.MustRegister(dlqEntriesCounter, dlqQuarantineCounter, dlqBacklogGauge, dlqOldestAgeGauge)
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqEntriesCounter.WithLabelValues(entry.EventType, outcome).Inc()
}

func recordQuarantine(entry dlqEntry, reason string) {
	recordDLQOutcome(entry, dlqQuarantined)
	dlqQuarantineCounter.WithLabelValues(reason).Inc()
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// refreshBacklog sets the pending gauges from the table.
func refreshBacklog(ctx context.Context, db rowQuerier) error {
	var (
		pending   int
		oldestSec float64
	)
	err := db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)::float8
           FROM outbox_dlq
          WHERE quarantined_at IS NULL`,
	).Scan(&pending, &oldestSec)
	if err != nil {
		return err
	}
	dlqBacklogGauge.Set(float64(pending))
	dlqOldestAgeGauge.Set(oldestSec)
	return nil
}
