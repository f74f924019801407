package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/workoutdedup/internal/events"
)

const testTopic = "dedup_requests"

func framed(schemaID int, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func record(offset int64, eventType string, value []byte) kafka.Message {
	rec := kafka.Message{
		Topic:  testTopic,
		Offset: offset,
		Key:    []byte("user-1"),
		Time:   time.Now().UTC(),
		Value:  value,
	}
	if eventType != "" {
		rec.Headers = []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "schema_subject", Value: []byte(testTopic + "-value")},
		}
	}
	return rec
}

func outcomeCount(eventType, outcome string) float64 {
	return testutil.ToFloat64(messagesCounter.WithLabelValues(testTopic, eventType, outcome))
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	payload := []byte(`{"user_ref":"user-1"}`)
	reader := &stubReader{messages: []kafka.Message{record(10, events.TypeDedupRequested, framed(42, payload))}}
	handler := &stubHandler{}

	before := outcomeCount(events.TypeDedupRequested, outcomeHandled)
	err := NewProcessor(reader, Routes{events.TypeDedupRequested: handler}, WithLogger(testLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.TypeDedupRequested, handler.last.EventType)
	require.Equal(t, "user-1", handler.last.Key)
	require.Equal(t, 42, handler.last.SchemaID)
	require.Equal(t, testTopic+"-value", handler.last.SchemaSubject)
	require.Empty(t, handler.last.EventID)
	require.JSONEq(t, string(payload), string(handler.last.Data))
	require.InDelta(t, before+1, outcomeCount(events.TypeDedupRequested, outcomeHandled), 0.0001)
}

func TestProcessorUnwrapsCloudEvents(t *testing.T) {
	evt, err := events.NewCloudEvent(events.TypeDedupRequested, "user-9", events.DedupRequested{UserRef: "user-9", RequestedBy: "scheduler"})
	require.NoError(t, err)
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	reader := &stubReader{messages: []kafka.Message{record(11, "", framed(7, payload))}}
	handler := &stubHandler{}

	err = NewProcessor(reader, Routes{events.TypeDedupRequested: handler}, WithLogger(testLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, evt.ID(), handler.last.EventID)
	require.Equal(t, events.TypeDedupRequested, handler.last.EventType)
	require.Equal(t, "user-9", handler.last.Subject)
	require.WithinDuration(t, evt.Time(), handler.last.EventTime, time.Second)
	require.JSONEq(t, `{"user_ref":"user-9","requested_by":"scheduler"}`, string(handler.last.Data))
}

func TestProcessorRoutesByEventType(t *testing.T) {
	dedup := &stubHandler{}
	recalc := &stubHandler{}
	reader := &stubReader{messages: []kafka.Message{
		record(1, events.TypeLoadRecalculationRequested, framed(1, []byte(`{"user_id":"user-1"}`))),
		record(2, events.TypeDedupRequested, framed(1, []byte(`{"user_ref":"user-1"}`))),
		record(3, "workout.created", framed(1, []byte(`{"id":"w1"}`))),
	}}

	before := outcomeCount("workout.created", outcomeUnrouted)
	err := NewProcessor(reader, Routes{
		events.TypeDedupRequested:             dedup,
		events.TypeLoadRecalculationRequested: recalc,
	}, WithLogger(testLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, dedup.calls)
	require.Equal(t, int64(2), dedup.last.Offset)
	require.Equal(t, 1, recalc.calls)
	require.Equal(t, int64(1), recalc.last.Offset)
	require.Equal(t, 3, reader.commitCalls, "unrouted records are committed too")
	require.InDelta(t, before+1, outcomeCount("workout.created", outcomeUnrouted), 0.0001)
}

func TestProcessorRetriesTransientHandlerErrors(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{record(30, events.TypeDedupRequested, framed(1, []byte(`{"user_ref":"user-1"}`)))}}
	handler := &stubHandler{err: errors.New("deadlock detected"), failFirst: 2}

	beforeRetries := testutil.ToFloat64(retriesCounter.WithLabelValues(events.TypeDedupRequested))
	err := NewProcessor(reader, Routes{events.TypeDedupRequested: handler},
		WithLogger(testLogger(t)), WithRetry(3, time.Millisecond)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.InDelta(t, beforeRetries+2, testutil.ToFloat64(retriesCounter.WithLabelValues(events.TypeDedupRequested)), 0.0001)
}

func TestProcessorSkipsCommitWhenRetriesRunOut(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{record(20, events.TypeDedupRequested, framed(99, []byte(`{"user_ref":"user-2"}`)))}}
	handler := &stubHandler{err: errors.New("boom")}

	before := outcomeCount(events.TypeDedupRequested, outcomeFailed)
	err := NewProcessor(reader, Routes{events.TypeDedupRequested: handler},
		WithLogger(testLogger(t)), WithRetry(2, 0)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 2, handler.calls)
	require.Zero(t, reader.commitCalls)
	require.InDelta(t, before+1, outcomeCount(events.TypeDedupRequested, outcomeFailed), 0.0001)
}

func TestProcessorStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &stubReader{messages: []kafka.Message{record(40, events.TypeDedupRequested, framed(1, []byte(`{"user_ref":"user-1"}`)))}}
	handler := &stubHandler{err: errors.New("boom"), onCall: cancel}

	err := NewProcessor(reader, Routes{events.TypeDedupRequested: handler},
		WithLogger(testLogger(t)), WithRetry(5, time.Hour)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Zero(t, reader.commitCalls)
}

func TestProcessorCommitsUndecodableRecords(t *testing.T) {
	ceNoType := []byte(`{"specversion":"1.0","id":"e1","source":"/ingest"}`)
	mismatched, err := events.NewCloudEvent(events.TypeLoadRecalculationRequested, "user-1", map[string]string{"user_id": "user-1"})
	require.NoError(t, err)
	mismatchedPayload, err := json.Marshal(mismatched)
	require.NoError(t, err)

	reader := &stubReader{messages: []kafka.Message{
		record(1, events.TypeDedupRequested, []byte("{}")),
		record(2, events.TypeDedupRequested, []byte(`{"user_ref":"x"}`)),
		record(3, "", framed(1, []byte(`{}`))),
		record(4, events.TypeDedupRequested, framed(1, []byte(`not json`))),
		record(5, "", framed(1, ceNoType)),
		record(6, events.TypeDedupRequested, framed(1, mismatchedPayload)),
	}}
	handler := &stubHandler{}

	before := outcomeCount(events.TypeDedupRequested, outcomeMalformed) + outcomeCount("unknown", outcomeMalformed)
	err = NewProcessor(reader, Routes{events.TypeDedupRequested: handler}, WithLogger(testLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 6, reader.commitCalls)
	after := outcomeCount(events.TypeDedupRequested, outcomeMalformed) + outcomeCount("unknown", outcomeMalformed)
	require.InDelta(t, before+6, after, 0.0001)
}

func TestMessageAgePrefersEventTime(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

	msg := Message{Timestamp: now.Add(-time.Minute)}
	require.Equal(t, time.Minute, msg.Age(now))

	msg.EventTime = now.Add(-time.Hour)
	require.Equal(t, time.Hour, msg.Age(now))

	msg.EventTime = now.Add(time.Hour)
	require.Zero(t, msg.Age(now), "clock skew never yields a negative age")

	require.Zero(t, Message{}.Age(now))
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

// stubHandler returns err on every call, or only on the first failFirst calls
// when failFirst is set.
type stubHandler struct {
	calls     int
	err       error
	failFirst int
	onCall    func()
	last      Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.onCall != nil {
		h.onCall()
	}
	if h.err != nil && (h.failFirst == 0 || h.calls <= h.failFirst) {
		return h.err
	}
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}
