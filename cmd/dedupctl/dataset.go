package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"

	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/persistence/sqlite"
)

var validate = validator.New()

type datasetFile struct {
	Users           []userRecord     `json:"users" validate:"dive"`
	PlannedWorkouts []plannedRecord  `json:"planned_workouts" validate:"dive"`
	Workouts        []workoutRecord  `json:"workouts" validate:"dive"`
	Streams         []streamRecord   `json:"streams" validate:"dive"`
	Exercises       []exerciseRecord `json:"exercises" validate:"dive"`
}

type userRecord struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type plannedRecord struct {
	ID        string    `json:"id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	Date      time.Time `json:"date" validate:"required"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
}

type workoutRecord struct {
	ID               string    `json:"id" validate:"required"`
	UserID           string    `json:"user_id" validate:"required"`
	Source           string    `json:"source" validate:"required,oneof=hevy intervals strava withings fitbit manual"`
	ExternalID       *string   `json:"external_id"`
	Title            string    `json:"title"`
	Type             string    `json:"type"`
	Date             time.Time `json:"date" validate:"required"`
	DurationSec      int       `json:"duration_sec" validate:"gte=0"`
	AverageWatts     *float64  `json:"average_watts"`
	NormalizedPower  *float64  `json:"normalized_power"`
	AverageHR        *float64  `json:"average_hr"`
	MaxHR            *float64  `json:"max_hr"`
	AverageCadence   *float64  `json:"average_cadence"`
	AverageSpeed     *float64  `json:"average_speed"`
	MaxSpeed         *float64  `json:"max_speed"`
	DistanceMeters   *float64  `json:"distance_meters"`
	ElevationGain    *float64  `json:"elevation_gain"`
	Calories         *float64  `json:"calories"`
	TSS              *float64  `json:"tss"`
	TrainingLoad     *float64  `json:"training_load"`
	Intensity        *float64  `json:"intensity"`
	Kilojoules       *float64  `json:"kilojoules"`
	RPE              *int      `json:"rpe" validate:"omitempty,min=1,max=10"`
	Feel             *int      `json:"feel" validate:"omitempty,min=1,max=5"`
	Description      *string   `json:"description"`
	DeviceName       *string   `json:"device_name"`
	IsDuplicate      bool      `json:"is_duplicate"`
	DuplicateOf      *string   `json:"duplicate_of"`
	PlannedWorkoutID *string   `json:"planned_workout_id"`
}

type streamRecord struct {
	ID             string    `json:"id" validate:"required"`
	WorkoutID      string    `json:"workout_id" validate:"required"`
	Time           []float64 `json:"time"`
	HeartRate      []float64 `json:"heart_rate"`
	Watts          []float64 `json:"watts"`
	Cadence        []float64 `json:"cadence"`
	Velocity       []float64 `json:"velocity"`
	Distance       []float64 `json:"distance"`
	Altitude       []float64 `json:"altitude"`
	Grade          []float64 `json:"grade"`
	PaceSecPerKm   []float64 `json:"pace_sec_per_km"`
	GradeAdjPace   []float64 `json:"grade_adjusted_pace"`
	MovingSeconds  *int      `json:"moving_seconds"`
	ElapsedSeconds *int      `json:"elapsed_seconds"`
}

type exerciseRecord struct {
	ID        string   `json:"id" validate:"required"`
	WorkoutID string   `json:"workout_id" validate:"required"`
	Position  int      `json:"position"`
	Name      string   `json:"name" validate:"required"`
	Sets      int      `json:"sets" validate:"gte=0"`
	Reps      *int     `json:"reps"`
	WeightKg  *float64 `json:"weight_kg"`
	Notes     *string  `json:"notes"`
}

// readDataset decodes and validates an import file.
func readDataset(r io.Reader) (sqlite.Dataset, error) {
	var file datasetFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return sqlite.Dataset{}, fmt.Errorf("decoding dataset: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return sqlite.Dataset{}, fmt.Errorf("invalid dataset: %w", err)
	}
	return file.toDataset(), nil
}

func (f datasetFile) toDataset() sqlite.Dataset {
	var ds sqlite.Dataset
	for _, u := range f.Users {
		ds.Users = append(ds.Users, sqlite.User{ID: u.ID, Email: u.Email})
	}
	for _, p := range f.PlannedWorkouts {
		ds.PlannedWorkouts = append(ds.PlannedWorkouts, domain.PlannedWorkout{
			ID: p.ID, UserID: p.UserID, Date: p.Date.UTC(), Title: p.Title, Completed: p.Completed,
		})
	}
	for _, w := range f.Workouts {
		ds.Workouts = append(ds.Workouts, domain.Workout{
			ID:               w.ID,
			UserID:           w.UserID,
			Source:           domain.Source(w.Source),
			ExternalID:       w.ExternalID,
			Title:            w.Title,
			Type:             w.Type,
			Date:             w.Date.UTC(),
			DurationSec:      w.DurationSec,
			AverageWatts:     w.AverageWatts,
			NormalizedPower:  w.NormalizedPower,
			AverageHR:        w.AverageHR,
			MaxHR:            w.MaxHR,
			AverageCadence:   w.AverageCadence,
			AverageSpeed:     w.AverageSpeed,
			MaxSpeed:         w.MaxSpeed,
			DistanceMeters:   w.DistanceMeters,
			ElevationGain:    w.ElevationGain,
			Calories:         w.Calories,
			TSS:              w.TSS,
			TrainingLoad:     w.TrainingLoad,
			Intensity:        w.Intensity,
			Kilojoules:       w.Kilojoules,
			RPE:              w.RPE,
			Feel:             w.Feel,
			Description:      w.Description,
			DeviceName:       w.DeviceName,
			IsDuplicate:      w.IsDuplicate,
			DuplicateOf:      w.DuplicateOf,
			PlannedWorkoutID: w.PlannedWorkoutID,
		})
	}
	for _, s := range f.Streams {
		ds.Streams = append(ds.Streams, domain.Stream{
			ID:             s.ID,
			WorkoutID:      s.WorkoutID,
			Time:           s.Time,
			HeartRate:      s.HeartRate,
			Watts:          s.Watts,
			Cadence:        s.Cadence,
			Velocity:       s.Velocity,
			Distance:       s.Distance,
			Altitude:       s.Altitude,
			Grade:          s.Grade,
			PaceSecPerKm:   s.PaceSecPerKm,
			GradeAdjPace:   s.GradeAdjPace,
			MovingSeconds:  s.MovingSeconds,
			ElapsedSeconds: s.ElapsedSeconds,
		})
	}
	for _, e := range f.Exercises {
		ds.Exercises = append(ds.Exercises, domain.Exercise{
			ID: e.ID, WorkoutID: e.WorkoutID, Position: e.Position, Name: e.Name,
			Sets: e.Sets, Reps: e.Reps, WeightKg: e.WeightKg, Notes: e.Notes,
		})
	}
	return ds
}
