package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when an email cannot be resolved to a user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrRunInProgress is returned when another run holds the user's lock.
	ErrRunInProgress = errors.New("dedup run already in progress for user")
	// ErrRunNotFound is returned when a run record cannot be located.
	ErrRunNotFound = errors.New("dedup run not found")
	// ErrWorkoutNotFound is returned when a group member vanished between
	// resolution and merge.
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrUnknownField is returned for a scalar update naming a non-mergeable column.
	ErrUnknownField = errors.New("unknown mergeable field")
	// ErrRelationConflict is returned when a re-parent target already owns the
	// one-to-one relation being moved.
	ErrRelationConflict = errors.New("target workout already has the relation")
)

// ListOptions narrows the workouts loaded for a run.
type ListOptions struct {
	// Since, when non-zero, drops workouts dated before it.
	Since time.Time
}

// WorkoutStore is the persistence boundary of the engine.
type WorkoutStore interface {
	// ListForUser returns every workout of the user, duplicates included, with
	// relation hints populated, in a stable order.
	ListForUser(ctx context.Context, userID string, opts ListOptions) ([]Workout, error)
	// WithinGroup runs fn as one atomic unit. A returned error rolls it back.
	WithinGroup(ctx context.Context, fn func(GroupTx) error) error
}

// GroupTx is the set of mutations available while merging one group. Each call
// is isolated: a failed call must leave the unit usable for the next one.
type GroupTx interface {
	LoadWorkouts(ctx context.Context, ids []string) ([]Workout, error)
	UpdateScalarFields(ctx context.Context, id string, fields FieldSet) error
	SetCompletenessScore(ctx context.Context, id string, score int) error
	TransferPlannedWorkout(ctx context.Context, plannedID, fromID, toID string) error
	MarkPlannedCompleted(ctx context.Context, plannedID string, completedAt time.Time) error
	ReparentStream(ctx context.Context, streamID, newWorkoutID string) error
	ReparentExercises(ctx context.Context, oldWorkoutID, newWorkoutID string) error
	// RepointDuplicates moves every workout flagged as a duplicate of fromID
	// over to toID and reports how many moved.
	RepointDuplicates(ctx context.Context, fromID, toID string) (int, error)
	MarkDuplicate(ctx context.Context, id, canonicalID string) error
	ClearDuplicate(ctx context.Context, id string) error
}

// UserDirectory resolves user references.
type UserDirectory interface {
	FindIDByEmail(ctx context.Context, email string) (string, error)
}

// LoadRecalculator requests a downstream training-load recalculation. It is a
// one-way publish; implementations must not wait for the recalculation.
type LoadRecalculator interface {
	Enqueue(ctx context.Context, userID string, from time.Time) error
}

// RunLocker serialises runs per user.
type RunLocker interface {
	// Lock returns ErrRunInProgress when the user is already locked.
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// RunRecorder persists run lifecycle records.
type RunRecorder interface {
	SaveRun(ctx context.Context, run Run) error
}

// RunReader loads run records.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
}
