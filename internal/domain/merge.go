package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Merge steps, used for logging and failure metrics.
const (
	StepScalarFields   = "scalar_fields"
	StepPlannedWorkout = "planned_workout"
	StepStream         = "stream"
	StepExercises      = "exercises"
	StepScore          = "completeness_score"
	StepCanonicalFlag  = "canonical_flag"
	StepRepoint        = "repoint_duplicates"
	StepMarkDuplicate  = "mark_duplicate"
)

// MergeResult describes what merging one group changed.
type MergeResult struct {
	CanonicalID          string
	FilledFields         []string
	PlannedTransferred   bool
	StreamTransferred    bool
	ExercisesTransferred bool
	MarkedDuplicate      int
	CanonicalScore       int
	FailedSteps          int
	// Repointed counts workouts outside the group that were flagged against a
	// member and now point at the canonical instead.
	Repointed int
	// EarliestDate is the earliest start among all members.
	EarliestDate time.Time
	// Err joins the failures of individual steps. It does not mean the group
	// was left unprocessed.
	Err error
}

// StepError reports a failed merge step.
type StepError struct {
	Step     string
	TargetID string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("merge step %s (%s): %v", e.Step, e.TargetID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Merger consolidates a resolved group onto its canonical member.
type Merger struct {
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewMerger constructs a Merger. A nil metrics sink discards observations and
// a nil clock falls back to time.Now in UTC.
func NewMerger(logger *slog.Logger, metrics Metrics, now func() time.Time) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Merger{logger: logger, metrics: metrics, now: now}
}

// Merge applies one group inside tx. Failures of individual steps are logged
// and collected in MergeResult.Err; only a failure to load the members is
// returned as an error.
func (m *Merger) Merge(ctx context.Context, tx GroupTx, group Group) (MergeResult, error) {
	result := MergeResult{CanonicalID: group.CanonicalID}

	ids := append([]string{group.CanonicalID}, group.ToMergeIDs...)
	loaded, err := tx.LoadWorkouts(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("loading group members: %w", err)
	}
	byID := make(map[string]Workout, len(loaded))
	for _, w := range loaded {
		byID[w.ID] = w
	}
	canonical, ok := byID[group.CanonicalID]
	if !ok {
		return result, fmt.Errorf("canonical %s: %w", group.CanonicalID, ErrWorkoutNotFound)
	}
	duplicates := make([]Workout, 0, len(group.ToMergeIDs))
	for _, id := range group.ToMergeIDs {
		w, ok := byID[id]
		if !ok {
			return result, fmt.Errorf("duplicate %s: %w", id, ErrWorkoutNotFound)
		}
		duplicates = append(duplicates, w)
	}

	result.EarliestDate = canonical.Date
	for _, d := range duplicates {
		if d.Date.Before(result.EarliestDate) {
			result.EarliestDate = d.Date
		}
	}

	var stepErrs []error
	fail := func(step, target string, err error) {
		stepErrs = append(stepErrs, &StepError{Step: step, TargetID: target, Err: err})
		m.metrics.MergeStepFailed(step)
		m.logger.Warn("merge step failed",
			"step", step,
			"canonical_id", canonical.ID,
			"target_id", target,
			"error", err)
	}

	// Fill on a copy so an unwritten update does not count towards the score.
	merged := canonical
	filled := fillMissing(&merged, duplicates)
	if len(filled) > 0 {
		if err := tx.UpdateScalarFields(ctx, canonical.ID, filled); err != nil {
			fail(StepScalarFields, canonical.ID, err)
		} else {
			canonical = merged
			result.FilledFields = filled.Columns()
			for _, column := range result.FilledFields {
				m.metrics.FieldFilled(column)
			}
		}
	}

	if !canonical.HasPlannedWorkout() {
		if donor, ok := firstWith(duplicates, Workout.HasPlannedWorkout); ok {
			plannedID := *donor.PlannedWorkoutID
			if err := tx.TransferPlannedWorkout(ctx, plannedID, donor.ID, canonical.ID); err != nil {
				fail(StepPlannedWorkout, donor.ID, err)
			} else {
				canonical.PlannedWorkoutID = &plannedID
				result.PlannedTransferred = true
				if err := tx.MarkPlannedCompleted(ctx, plannedID, m.now()); err != nil {
					fail(StepPlannedWorkout, plannedID, err)
				}
			}
		}
	}

	var streamDonor, exerciseDonor string
	if !canonical.HasStream() {
		if donor, ok := firstWith(duplicates, Workout.HasStream); ok {
			streamID := *donor.StreamID
			if err := tx.ReparentStream(ctx, streamID, canonical.ID); err != nil {
				fail(StepStream, donor.ID, err)
			} else {
				canonical.StreamID = &streamID
				streamDonor = donor.ID
				result.StreamTransferred = true
			}
		}
	}

	if !canonical.HasExercises() {
		if donor, ok := firstWith(duplicates, Workout.HasExercises); ok {
			if err := tx.ReparentExercises(ctx, donor.ID, canonical.ID); err != nil {
				fail(StepExercises, donor.ID, err)
			} else {
				canonical.ExerciseCount = donor.ExerciseCount
				exerciseDonor = donor.ID
				result.ExercisesTransferred = true
			}
		}
	}

	result.CanonicalScore = CompletenessScore(canonical)
	if err := tx.SetCompletenessScore(ctx, canonical.ID, result.CanonicalScore); err != nil {
		fail(StepScore, canonical.ID, err)
	}

	if canonical.IsDuplicate {
		if err := tx.ClearDuplicate(ctx, canonical.ID); err != nil {
			fail(StepCanonicalFlag, canonical.ID, err)
		}
	}

	for _, d := range duplicates {
		// A member that was canonical before may still own duplicates outside
		// this group, e.g. older ones cut off by a date-bounded run. They have
		// to follow it to the new canonical or they would point at a duplicate.
		moved, err := tx.RepointDuplicates(ctx, d.ID, canonical.ID)
		if err != nil {
			fail(StepRepoint, d.ID, err)
			continue
		}
		result.Repointed += moved

		if err := tx.MarkDuplicate(ctx, d.ID, canonical.ID); err != nil {
			fail(StepMarkDuplicate, d.ID, err)
			continue
		}
		result.MarkedDuplicate++

		// Score the duplicate as it is left behind, without relations it gave up.
		if d.ID == streamDonor {
			d.StreamID = nil
		}
		if d.ID == exerciseDonor {
			d.ExerciseCount = 0
		}
		if err := tx.SetCompletenessScore(ctx, d.ID, CompletenessScore(d)); err != nil {
			fail(StepScore, d.ID, err)
		}
	}

	result.FailedSteps = len(stepErrs)
	result.Err = errors.Join(stepErrs...)
	return result, nil
}

func firstWith(workouts []Workout, has func(Workout) bool) (Workout, bool) {
	for _, w := range workouts {
		if has(w) {
			return w, true
		}
	}
	return Workout{}, false
}
