package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeHandled   = "handled"
	outcomeFailed    = "failed"
	outcomeMalformed = "malformed"
	outcomeUnrouted  = "unrouted"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka records consumed, by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "handle_duration_seconds",
		Help:      "Duration of a single handler attempt per event type.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"event_type"})

	retriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "handler_retries_total",
		Help:      "Handler invocations beyond the first, per event type.",
	}, []string{"event_type"})

	eventAge = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "event_age_seconds",
		Help:      "Time between an event being produced and being handled.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"event_type"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "requests_skipped_total",
		Help:      "Dedup requests acknowledged without a run, labeled by reason.",
	}, []string{"reason"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workout_dedup",
		Subsystem: "consumer",
		Name:      "last_handled_timestamp_seconds",
		Help:      "Unix timestamp of the most recent handled record per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, handleDuration, retriesCounter, eventAge, skippedCounter, lastMessageGauge)
}

// eventTypeLabel keeps undecodable records from producing an empty label.
func eventTypeLabel(eventType string) string {
	if eventType == "" {
		return "unknown"
	}
	return eventType
}

func recordOutcome(msg Message, outcome string) {
	messagesCounter.WithLabelValues(msg.Topic, eventTypeLabel(msg.EventType), outcome).Inc()
}

func recordHandled(msg Message, age time.Duration) {
	recordOutcome(msg, outcomeHandled)
	eventAge.WithLabelValues(msg.EventType).Observe(age.Seconds())
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordRetry(eventType string) {
	retriesCounter.WithLabelValues(eventType).Inc()
}

func observeHandle(eventType string, d time.Duration) {
	handleDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func recordSkipped(reason string) {
	skippedCounter.WithLabelValues(reason).Inc()
}
