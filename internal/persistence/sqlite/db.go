// Package sqlite implements the workout store on an embedded SQLite database,
// for the operator CLI and local runs.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in UTC, so date comparisons can run in SQL.
const timeLayout = "2006-01-02T15:04:05Z"

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: a :memory: database exists per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE
		)`,

		`CREATE TABLE IF NOT EXISTS planned_workouts (
			planned_workout_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			planned_date TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			completed INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS workouts (
			workout_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			external_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			workout_type TEXT NOT NULL DEFAULT '',
			workout_date TEXT NOT NULL,
			duration_sec INTEGER NOT NULL DEFAULT 0,
			average_watts REAL,
			normalized_power REAL,
			average_hr REAL,
			max_hr REAL,
			average_cadence REAL,
			average_speed REAL,
			max_speed REAL,
			distance_meters REAL,
			elevation_gain REAL,
			calories REAL,
			tss REAL,
			training_load REAL,
			intensity REAL,
			kilojoules REAL,
			rpe INTEGER,
			feel INTEGER,
			description TEXT,
			device_name TEXT,
			is_duplicate INTEGER NOT NULL DEFAULT 0,
			duplicate_of TEXT REFERENCES workouts(workout_id) DEFERRABLE INITIALLY DEFERRED,
			completeness_score INTEGER,
			planned_workout_id TEXT UNIQUE REFERENCES planned_workouts(planned_workout_id) DEFERRABLE INITIALLY DEFERRED
		)`,

		`CREATE INDEX IF NOT EXISTS idx_workouts_user_date ON workouts(user_id, workout_date, workout_id)`,

		`CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			workout_id TEXT NOT NULL UNIQUE REFERENCES workouts(workout_id),
			samples TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS exercises (
			exercise_id TEXT PRIMARY KEY,
			workout_id TEXT NOT NULL REFERENCES workouts(workout_id),
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			sets INTEGER NOT NULL DEFAULT 0,
			reps INTEGER,
			weight_kg REAL,
			notes TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_exercises_workout ON exercises(workout_id, position)`,

		`CREATE TABLE IF NOT EXISTS dedup_runs (
			run_id TEXT PRIMARY KEY,
			user_ref TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			summary TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
