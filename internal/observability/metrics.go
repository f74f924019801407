package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/workoutdedup/internal/domain"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Name:      "runs_total",
		Help:      "Number of dedup runs finished, labeled by terminal state.",
	}, []string{"state"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workout_dedup",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a dedup run from lock to summary.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	lastRunGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workout_dedup",
		Name:      "last_run_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully completed run.",
	})
	groupsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "merge",
		Name:      "groups_total",
		Help:      "Number of duplicate groups merged.",
	})
	markedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "merge",
		Name:      "workouts_marked_duplicate_total",
		Help:      "Number of workouts flagged as duplicates of a canonical record.",
	})
	transfersCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "merge",
		Name:      "relations_transferred_total",
		Help:      "Number of relations moved onto a canonical record, labeled by relation.",
	}, []string{"relation"})
	stepFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "merge",
		Name:      "step_failures_total",
		Help:      "Number of merge steps that failed and were skipped, labeled by step.",
	}, []string{"step"})
	fieldsFilledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "merge",
		Name:      "fields_filled_total",
		Help:      "Number of canonical fields filled from a duplicate, labeled by column.",
	}, []string{"column"})
	recalcFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Name:      "recalc_enqueue_failures_total",
		Help:      "Number of training-load recalculation requests that could not be enqueued.",
	})
)

func init() {
	prometheus.MustRegister(
		runsCounter,
		runDuration,
		lastRunGauge,
		groupsCounter,
		markedCounter,
		transfersCounter,
		stepFailuresCounter,
		fieldsFilledCounter,
		recalcFailuresCounter,
	)
}

// EngineMetrics records engine observations in the default Prometheus registry.
type EngineMetrics struct{}

var _ domain.Metrics = EngineMetrics{}

func (EngineMetrics) RunFinished(state domain.RunState, elapsed time.Duration) {
	runsCounter.WithLabelValues(string(state)).Inc()
	runDuration.Observe(elapsed.Seconds())
	if state == domain.RunStateCompleted {
		lastRunGauge.SetToCurrentTime()
	}
}

func (EngineMetrics) GroupMerged(result domain.MergeResult) {
	groupsCounter.Inc()
	markedCounter.Add(float64(result.MarkedDuplicate))
	if result.PlannedTransferred {
		transfersCounter.WithLabelValues("planned_workout").Inc()
	}
	if result.StreamTransferred {
		transfersCounter.WithLabelValues("stream").Inc()
	}
	if result.ExercisesTransferred {
		transfersCounter.WithLabelValues("exercises").Inc()
	}
	if result.Repointed > 0 {
		transfersCounter.WithLabelValues("duplicate_of").Add(float64(result.Repointed))
	}
}

func (EngineMetrics) MergeStepFailed(step string) {
	stepFailuresCounter.WithLabelValues(step).Inc()
}

func (EngineMetrics) FieldFilled(column string) {
	fieldsFilledCounter.WithLabelValues(column).Inc()
}

func (EngineMetrics) RecalcEnqueueFailed() {
	recalcFailuresCounter.Inc()
}
