package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/workoutdedup/internal/domain"
)

// User is an importable user row.
type User struct {
	ID    string
	Email string
}

// Dataset is a batch of rows loaded by Import.
type Dataset struct {
	Users           []User
	PlannedWorkouts []domain.PlannedWorkout
	Workouts        []domain.Workout
	Streams         []domain.Stream
	Exercises       []domain.Exercise
}

// ImportStats counts the rows written by Import.
type ImportStats struct {
	Users, PlannedWorkouts, Workouts, Streams, Exercises int
}

// Import upserts every row of ds in one transaction. Relation hints on
// workouts are ignored; relations come from Streams and Exercises.
func (s *Store) Import(ctx context.Context, ds Dataset) (ImportStats, error) {
	var stats ImportStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range ds.Users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, email) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET email = excluded.email`, u.ID, u.Email); err != nil {
			return stats, fmt.Errorf("importing user %s: %w", u.ID, err)
		}
		stats.Users++
	}

	for _, p := range ds.PlannedWorkouts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO planned_workouts (planned_workout_id, user_id, planned_date, title, completed, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(planned_workout_id) DO UPDATE SET planned_date = excluded.planned_date, title = excluded.title,
			 completed = excluded.completed, completed_at = excluded.completed_at`,
			p.ID, p.UserID, formatTime(p.Date), p.Title, p.Completed, formatTimePtr(p.CompletedAt)); err != nil {
			return stats, fmt.Errorf("importing planned workout %s: %w", p.ID, err)
		}
		stats.PlannedWorkouts++
	}

	for _, w := range ds.Workouts {
		if err := insertWorkout(ctx, tx, w); err != nil {
			return stats, fmt.Errorf("importing workout %s: %w", w.ID, err)
		}
		stats.Workouts++
	}

	for _, st := range ds.Streams {
		samples, err := json.Marshal(streamSamples{
			Time: st.Time, HeartRate: st.HeartRate, Watts: st.Watts, Cadence: st.Cadence,
			Velocity: st.Velocity, Distance: st.Distance, Altitude: st.Altitude, Grade: st.Grade,
			PaceSecPerKm: st.PaceSecPerKm, GradeAdjPace: st.GradeAdjPace,
			MovingSeconds: st.MovingSeconds, ElapsedSeconds: st.ElapsedSeconds,
		})
		if err != nil {
			return stats, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO streams (stream_id, workout_id, samples) VALUES (?, ?, ?)`,
			st.ID, st.WorkoutID, string(samples)); err != nil {
			return stats, fmt.Errorf("importing stream %s: %w", st.ID, err)
		}
		stats.Streams++
	}

	for _, e := range ds.Exercises {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO exercises (exercise_id, workout_id, position, name, sets, reps, weight_kg, notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.WorkoutID, e.Position, e.Name, e.Sets, e.Reps, e.WeightKg, e.Notes); err != nil {
			return stats, fmt.Errorf("importing exercise %s: %w", e.ID, err)
		}
		stats.Exercises++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("committing import: %w", err)
	}
	return stats, nil
}

type streamSamples struct {
	Time           []float64 `json:"time,omitempty"`
	HeartRate      []float64 `json:"heartrate,omitempty"`
	Watts          []float64 `json:"watts,omitempty"`
	Cadence        []float64 `json:"cadence,omitempty"`
	Velocity       []float64 `json:"velocity,omitempty"`
	Distance       []float64 `json:"distance,omitempty"`
	Altitude       []float64 `json:"altitude,omitempty"`
	Grade          []float64 `json:"grade,omitempty"`
	PaceSecPerKm   []float64 `json:"pace,omitempty"`
	GradeAdjPace   []float64 `json:"gap,omitempty"`
	MovingSeconds  *int      `json:"moving_seconds,omitempty"`
	ElapsedSeconds *int      `json:"elapsed_seconds,omitempty"`
}

var workoutInsertColumns = []string{
	"workout_id", "user_id", "source", "external_id", "title", "workout_type", "workout_date", "duration_sec",
	"average_watts", "normalized_power", "average_hr", "max_hr", "average_cadence", "average_speed", "max_speed",
	"distance_meters", "elevation_gain", "calories", "tss", "training_load", "intensity", "kilojoules",
	"rpe", "feel", "description", "device_name",
	"is_duplicate", "duplicate_of", "completeness_score", "planned_workout_id",
}

// upsertWorkoutSQL updates in place on conflict; REPLACE would delete the row
// and trip the foreign keys of its streams and exercises.
var upsertWorkoutSQL = func() string {
	updates := make([]string, 0, len(workoutInsertColumns)-1)
	for _, c := range workoutInsertColumns[1:] {
		updates = append(updates, c+" = excluded."+c)
	}
	return "INSERT INTO workouts (" + strings.Join(workoutInsertColumns, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(workoutInsertColumns)), ", ") + ") " +
		"ON CONFLICT(workout_id) DO UPDATE SET " + strings.Join(updates, ", ")
}()

func insertWorkout(ctx context.Context, tx *sql.Tx, w domain.Workout) error {
	_, err := tx.ExecContext(ctx, upsertWorkoutSQL,
		w.ID, w.UserID, string(w.Source), w.ExternalID, w.Title, w.Type, formatTime(w.Date), w.DurationSec,
		w.AverageWatts, w.NormalizedPower, w.AverageHR, w.MaxHR, w.AverageCadence, w.AverageSpeed, w.MaxSpeed,
		w.DistanceMeters, w.ElevationGain, w.Calories, w.TSS, w.TrainingLoad, w.Intensity, w.Kilojoules,
		w.RPE, w.Feel, w.Description, w.DeviceName,
		w.IsDuplicate, w.DuplicateOf, w.CompletenessScore, w.PlannedWorkoutID,
	)
	return err
}
