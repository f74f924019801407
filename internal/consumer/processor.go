// Package consumer turns Kafka records into dedup runs.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler processes one decoded message. A returned error is retried and, once
// retries run out, leaves the record uncommitted.
type Handler interface {
	Handle(context.Context, Message) error
}

// Routes maps an event type to the handler responsible for it.
type Routes map[string]Handler

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetry sets how many times a handler is invoked for one record and the
// base delay between invocations. The n-th retry waits n*backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// Processor pulls records from Kafka, decodes them and dispatches each to the
// handler registered for its event type.
type Processor struct {
	reader   Reader
	routes   Routes
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewProcessor constructs a Processor. Records whose event type has no route
// are committed without being handled.
func NewProcessor(reader Reader, routes Routes, opts ...Option) *Processor {
	p := &Processor{
		reader:   reader,
		routes:   routes,
		logger:   slog.Default().With("component", "consumer"),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Error("fetch failed", "error", err)
			continue
		}

		msg, err := decodeRecord(rec)
		if err != nil {
			p.logger.Warn("dropping undecodable record",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			recordOutcome(msg, outcomeMalformed)
			p.commit(ctx, rec)
			continue
		}

		handler, ok := p.routes[msg.EventType]
		if !ok {
			p.logger.Debug("no route for event", "event_type", msg.EventType, "offset", msg.Offset)
			recordOutcome(msg, outcomeUnrouted)
			p.commit(ctx, rec)
			continue
		}

		if err := p.dispatch(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("handler failed",
				"event_type", msg.EventType, "event_id", msg.EventID, "key", msg.Key,
				"offset", msg.Offset, "attempts", p.attempts, "error", err)
			recordOutcome(msg, outcomeFailed)
			continue
		}

		if p.commit(ctx, rec) {
			recordHandled(msg, msg.Age(p.now()))
		}
	}
}

// dispatch invokes handler up to p.attempts times.
func (p *Processor) dispatch(ctx context.Context, handler Handler, msg Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			recordRetry(msg.EventType)
			if waitErr := sleep(ctx, time.Duration(attempt-1)*p.backoff); waitErr != nil {
				return waitErr
			}
		}

		started := p.now()
		err = handler.Handle(ctx, msg)
		observeHandle(msg.EventType, p.now().Sub(started))
		if err == nil {
			return nil
		}
		p.logger.Warn("handler attempt failed",
			"event_type", msg.EventType, "offset", msg.Offset, "attempt", attempt, "error", err)
	}
	return err
}

func (p *Processor) commit(ctx context.Context, rec kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, rec); err != nil {
		p.logger.Error("commit failed", "topic", rec.Topic, "offset", rec.Offset, "error", err)
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
