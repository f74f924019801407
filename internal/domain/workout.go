package domain

import "time"

// Source identifies the platform a workout was ingested from.
type Source string

const (
	SourceHevy      Source = "hevy"      // strength logger with structured exercises
	SourceIntervals Source = "intervals" // power/load aggregator
	SourceStrava    Source = "strava"
	SourceWithings  Source = "withings"
	SourceFitbit    Source = "fitbit"
	SourceManual    Source = "manual"
)

// Workout is one reported training session. Optional metrics are pointers so
// that "not reported" stays distinguishable from a reported zero.
type Workout struct {
	ID         string
	UserID     string
	Source     Source
	ExternalID *string

	Title       string
	Type        string
	Date        time.Time
	DurationSec int

	AverageWatts    *float64
	NormalizedPower *float64
	AverageHR       *float64
	MaxHR           *float64
	AverageCadence  *float64
	AverageSpeed    *float64
	MaxSpeed        *float64
	DistanceMeters  *float64
	ElevationGain   *float64
	Calories        *float64
	TSS             *float64
	TrainingLoad    *float64
	Intensity       *float64
	Kilojoules      *float64
	RPE             *int
	Feel            *int
	Description     *string
	DeviceName      *string

	IsDuplicate       bool
	DuplicateOf       *string
	CompletenessScore *int

	// Relation hints loaded alongside the row.
	StreamID         *string
	ExerciseCount    int
	PlannedWorkoutID *string
}

// HasStream reports whether a Stream record is attached.
func (w Workout) HasStream() bool { return w.StreamID != nil && *w.StreamID != "" }

// HasExercises reports whether structured exercise entries are attached.
func (w Workout) HasExercises() bool { return w.ExerciseCount > 0 }

// HasPlannedWorkout reports whether the workout fulfils a planned session.
func (w Workout) HasPlannedWorkout() bool {
	return w.PlannedWorkoutID != nil && *w.PlannedWorkoutID != ""
}

// Stream is the time-series sidecar of a workout.
type Stream struct {
	ID        string
	WorkoutID string
	Time      []float64
	HeartRate []float64
	Watts     []float64
	Cadence   []float64
	Velocity  []float64
	Distance  []float64
	Altitude  []float64
	Grade     []float64
	// Derived pacing.
	PaceSecPerKm   []float64
	GradeAdjPace   []float64
	MovingSeconds  *int
	ElapsedSeconds *int
}

// Exercise is one structured strength-training entry.
type Exercise struct {
	ID        string
	WorkoutID string
	Position  int
	Name      string
	Sets      int
	Reps      *int
	WeightKg  *float64
	Notes     *string
}

// PlannedWorkout is a scheduled session that a completed workout can fulfil.
type PlannedWorkout struct {
	ID          string
	UserID      string
	Date        time.Time
	Title       string
	Completed   bool
	CompletedAt *time.Time
}
