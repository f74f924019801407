// Package domain holds the workout duplicate detection and merge engine.
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service orchestrates dedup runs for one user at a time.
type Service struct {
	store    WorkoutStore
	users    UserDirectory
	recalc   LoadRecalculator
	locker   RunLocker
	recorder RunRecorder
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLocker overrides the per-user run lock.
func WithLocker(locker RunLocker) Option {
	return func(s *Service) {
		s.locker = locker
	}
}

// WithRecorder persists run lifecycle records.
func WithRecorder(recorder RunRecorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithMetrics sets the observation sink.
func WithMetrics(metrics Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a Service.
func NewService(store WorkoutStore, users UserDirectory, recalc LoadRecalculator, opts ...Option) *Service {
	s := &Service{
		store:    store,
		users:    users,
		recalc:   recalc,
		locker:   NewKeyedLocker(),
		recorder: nopRecorder{},
		metrics:  NopMetrics{},
		logger:   slog.Default().With("component", "dedup"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunRequest identifies the user to deduplicate.
type RunRequest struct {
	// UserRef is an internal user id or an email address.
	UserRef string
	// Since bounds the pass to workouts on or after it; zero means all.
	Since time.Time
}

// ResolveUserID maps an email address to the internal id. Anything without an
// '@' is taken to be an id already.
func (s *Service) ResolveUserID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref, "@") {
		if ref == "" {
			return "", fmt.Errorf("%w: empty user reference", ErrUserNotFound)
		}
		return ref, nil
	}
	id, err := s.users.FindIDByEmail(ctx, strings.ToLower(ref))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", ref, err)
	}
	if id == "" {
		return "", fmt.Errorf("resolving %q: %w", ref, ErrUserNotFound)
	}
	return id, nil
}

// Plan resolves the duplicate groups a run would merge, without writing.
func (s *Service) Plan(ctx context.Context, req RunRequest) ([]Group, error) {
	userID, err := s.ResolveUserID(ctx, req.UserRef)
	if err != nil {
		return nil, err
	}
	workouts, err := s.store.ListForUser(ctx, userID, ListOptions{Since: req.Since})
	if err != nil {
		return nil, fmt.Errorf("listing workouts: %w", err)
	}
	return ResolveGroups(workouts), nil
}

// Run executes one dedup pass: resolve the user, lock, cluster, merge every
// group in its own unit of work and request a training-load recalculation
// from the earliest affected date.
func (s *Service) Run(ctx context.Context, req RunRequest) (Summary, error) {
	run := Run{
		ID:        uuid.NewString(),
		UserRef:   req.UserRef,
		State:     RunStatePending,
		CreatedAt: s.now(),
	}
	s.record(ctx, run)
	logger := s.logger.With("run_id", run.ID)

	userID, err := s.ResolveUserID(ctx, req.UserRef)
	if err != nil {
		return s.fail(ctx, run, logger, err)
	}
	run.UserID = userID
	logger = logger.With("user_id", userID)

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return s.fail(ctx, run, logger, err)
	}
	defer unlock()

	started := s.now()
	run.State = RunStateRunning
	run.StartedAt = &started
	s.record(ctx, run)
	logger.Info("dedup run started")

	workouts, err := s.store.ListForUser(ctx, userID, ListOptions{Since: req.Since})
	if err != nil {
		return s.fail(ctx, run, logger, fmt.Errorf("listing workouts: %w", err))
	}

	groups := ResolveGroups(workouts)
	summary := Summary{RunID: run.ID}
	merger := NewMerger(logger, s.metrics, s.now)

	for _, group := range groups {
		var result MergeResult
		err := s.store.WithinGroup(ctx, func(tx GroupTx) error {
			var mergeErr error
			result, mergeErr = merger.Merge(ctx, tx, group)
			return mergeErr
		})
		if err != nil {
			// Groups committed before this one are already merged; a retry
			// skips them, so their recalculation has to be requested now.
			s.requestRecalc(context.WithoutCancel(ctx), logger, userID, summary)
			run.Summary = summary
			return s.fail(ctx, run, logger, fmt.Errorf("merging group %s: %w", group.CanonicalID, err))
		}

		s.metrics.GroupMerged(result)
		summary.DuplicateGroupsFound++
		summary.WorkoutsKeptCanonical++
		summary.WorkoutsMarkedDuplicate += result.MarkedDuplicate
		summary.FieldsFilled += len(result.FilledFields)
		summary.MergeStepFailures += result.FailedSteps
		if summary.EarliestAffectedDate.IsZero() || result.EarliestDate.Before(summary.EarliestAffectedDate) {
			summary.EarliestAffectedDate = result.EarliestDate
		}

		logger.Info("duplicate group merged",
			"canonical_id", result.CanonicalID,
			"duplicates", result.MarkedDuplicate,
			"filled_fields", len(result.FilledFields),
			"stream_transferred", result.StreamTransferred,
			"exercises_transferred", result.ExercisesTransferred,
			"planned_transferred", result.PlannedTransferred,
			"failed_steps", result.FailedSteps)
	}

	s.requestRecalc(ctx, logger, userID, summary)

	summary.Success = true
	finished := s.now()
	run.State = RunStateCompleted
	run.FinishedAt = &finished
	run.Summary = summary
	s.record(ctx, run)
	s.metrics.RunFinished(run.State, finished.Sub(started))

	logger.Info("dedup run completed",
		"groups", summary.DuplicateGroupsFound,
		"marked_duplicate", summary.WorkoutsMarkedDuplicate)
	return summary, nil
}

// requestRecalc enqueues one recalculation from the earliest date touched so
// far. Nothing is requested when no group was merged.
func (s *Service) requestRecalc(ctx context.Context, logger *slog.Logger, userID string, summary Summary) {
	if summary.DuplicateGroupsFound == 0 {
		return
	}
	if err := s.recalc.Enqueue(ctx, userID, summary.EarliestAffectedDate); err != nil {
		s.metrics.RecalcEnqueueFailed()
		logger.Error("training load recalculation request failed",
			"from", summary.EarliestAffectedDate,
			"error", err)
	}
}

func (s *Service) fail(ctx context.Context, run Run, logger *slog.Logger, err error) (Summary, error) {
	finished := s.now()
	run.State = RunStateFailed
	run.FinishedAt = &finished
	run.Error = err.Error()
	s.record(ctx, run)

	elapsed := time.Duration(0)
	if run.StartedAt != nil {
		elapsed = finished.Sub(*run.StartedAt)
	}
	s.metrics.RunFinished(run.State, elapsed)

	logger.Error("dedup run failed", "error", err)
	return Summary{RunID: run.ID}, err
}

// record persists the run; a failure to record never fails the run itself.
func (s *Service) record(ctx context.Context, run Run) {
	if err := s.recorder.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record dedup run", "run_id", run.ID, "state", run.State, "error", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) SaveRun(context.Context, Run) error { return nil }
