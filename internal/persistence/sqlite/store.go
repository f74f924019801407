package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/persistence"
)

// Store implements the engine ports on SQLite.
type Store struct {
	db *sql.DB
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const workoutColumns = `w.workout_id, w.user_id, w.source, w.external_id, w.title, w.workout_type, w.workout_date, w.duration_sec,
	w.average_watts, w.normalized_power, w.average_hr, w.max_hr, w.average_cadence, w.average_speed, w.max_speed,
	w.distance_meters, w.elevation_gain, w.calories, w.tss, w.training_load, w.intensity, w.kilojoules,
	w.rpe, w.feel, w.description, w.device_name,
	w.is_duplicate, w.duplicate_of, w.completeness_score, w.planned_workout_id,
	(SELECT s.stream_id FROM streams s WHERE s.workout_id = w.workout_id LIMIT 1),
	(SELECT COUNT(*) FROM exercises e WHERE e.workout_id = w.workout_id)`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ListForUser implements domain.WorkoutStore.
func (s *Store) ListForUser(ctx context.Context, userID string, opts domain.ListOptions) ([]domain.Workout, error) {
	query := `SELECT ` + workoutColumns + ` FROM workouts w WHERE w.user_id = ?`
	args := []any{userID}
	if !opts.Since.IsZero() {
		query += ` AND w.workout_date >= ?`
		args = append(args, formatTime(opts.Since))
	}
	query += ` ORDER BY w.workout_date, w.workout_id`
	return queryWorkouts(ctx, s.db, query, args...)
}

// WithinGroup implements domain.WorkoutStore.
func (s *Store) WithinGroup(ctx context.Context, fn func(domain.GroupTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&groupTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// FindIDByEmail implements domain.UserDirectory.
func (s *Store) FindIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE email = ?`, strings.TrimSpace(email)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying user: %w", err)
	}
	return id, nil
}

// SaveRun implements domain.RunRecorder.
func (s *Store) SaveRun(ctx context.Context, run domain.Run) error {
	summary, err := persistence.EncodeSummary(run.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dedup_runs (run_id, user_ref, user_id, state, created_at, started_at, finished_at, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			user_id = excluded.user_id,
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			summary = excluded.summary,
			error = excluded.error`,
		run.ID, run.UserRef, run.UserID, string(run.State), formatTime(run.CreatedAt),
		formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt), string(summary), run.Error,
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun implements domain.RunReader.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var (
		run                       domain.Run
		state, createdAt, summary string
		startedAt, finishedAt     *string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, user_ref, user_id, state, created_at, started_at, finished_at, summary, error
		FROM dedup_runs WHERE run_id = ?`, id).
		Scan(&run.ID, &run.UserRef, &run.UserID, &state, &createdAt, &startedAt, &finishedAt, &summary, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	run.State = domain.RunState(state)
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if run.Summary, err = persistence.DecodeSummary([]byte(summary)); err != nil {
		return nil, err
	}
	return &run, nil
}

type groupTx struct {
	tx *sql.Tx
	sp int
}

// step runs fn between SAVEPOINT and RELEASE, rolling back to the savepoint
// when fn fails.
func (g *groupTx) step(ctx context.Context, fn func() error) error {
	g.sp++
	name := fmt.Sprintf("step_%d", g.sp)
	if _, err := g.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := g.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		g.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	_, err := g.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (g *groupTx) LoadWorkouts(ctx context.Context, ids []string) ([]domain.Workout, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return queryWorkouts(ctx, g.tx,
		`SELECT `+workoutColumns+` FROM workouts w WHERE w.workout_id IN (`+placeholders+`) ORDER BY w.workout_date, w.workout_id`,
		args...)
}

func (g *groupTx) UpdateScalarFields(ctx context.Context, id string, fields domain.FieldSet) error {
	if len(fields) == 0 {
		return nil
	}
	for column := range fields {
		if !domain.IsMergeableColumn(column) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownField, column)
		}
	}
	columns := fields.Columns()
	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		sets[i] = column + " = ?"
		args = append(args, fields[column])
	}
	args = append(args, id)

	return g.step(ctx, func() error {
		return execOne(ctx, g.tx, id, `UPDATE workouts SET `+strings.Join(sets, ", ")+` WHERE workout_id = ?`, args...)
	})
}

func (g *groupTx) SetCompletenessScore(ctx context.Context, id string, score int) error {
	return g.step(ctx, func() error {
		return execOne(ctx, g.tx, id, `UPDATE workouts SET completeness_score = ? WHERE workout_id = ?`, score, id)
	})
}

func (g *groupTx) TransferPlannedWorkout(ctx context.Context, plannedID, fromID, toID string) error {
	return g.step(ctx, func() error {
		if _, err := g.tx.ExecContext(ctx,
			`UPDATE workouts SET planned_workout_id = NULL WHERE workout_id = ? AND planned_workout_id = ?`,
			fromID, plannedID); err != nil {
			return err
		}
		res, err := g.tx.ExecContext(ctx,
			`UPDATE workouts SET planned_workout_id = ? WHERE workout_id = ? AND planned_workout_id IS NULL`,
			plannedID, toID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("planned workout for %s: %w", toID, domain.ErrRelationConflict)
		}
		return nil
	})
}

func (g *groupTx) MarkPlannedCompleted(ctx context.Context, plannedID string, completedAt time.Time) error {
	return g.step(ctx, func() error {
		res, err := g.tx.ExecContext(ctx,
			`UPDATE planned_workouts SET completed = 1, completed_at = COALESCE(completed_at, ?)
			 WHERE planned_workout_id = ?`, formatTime(completedAt), plannedID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("planned workout %s not found", plannedID)
		}
		return nil
	})
}

func (g *groupTx) ReparentStream(ctx context.Context, streamID, newWorkoutID string) error {
	return g.step(ctx, func() error {
		res, err := g.tx.ExecContext(ctx,
			`UPDATE streams SET workout_id = ?
			 WHERE stream_id = ? AND NOT EXISTS (SELECT 1 FROM streams WHERE workout_id = ?)`,
			newWorkoutID, streamID, newWorkoutID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("stream %s to %s: %w", streamID, newWorkoutID, domain.ErrRelationConflict)
		}
		return nil
	})
}

func (g *groupTx) ReparentExercises(ctx context.Context, oldWorkoutID, newWorkoutID string) error {
	return g.step(ctx, func() error {
		_, err := g.tx.ExecContext(ctx, `UPDATE exercises SET workout_id = ? WHERE workout_id = ?`, newWorkoutID, oldWorkoutID)
		return err
	})
}

func (g *groupTx) RepointDuplicates(ctx context.Context, fromID, toID string) (int, error) {
	var moved int64
	err := g.step(ctx, func() error {
		res, err := g.tx.ExecContext(ctx,
			`UPDATE workouts SET duplicate_of = ? WHERE duplicate_of = ? AND workout_id <> ?`,
			toID, fromID, toID)
		if err != nil {
			return err
		}
		moved, err = res.RowsAffected()
		return err
	})
	return int(moved), err
}

func (g *groupTx) MarkDuplicate(ctx context.Context, id, canonicalID string) error {
	return g.step(ctx, func() error {
		return execOne(ctx, g.tx, id, `UPDATE workouts SET is_duplicate = 1, duplicate_of = ? WHERE workout_id = ?`, canonicalID, id)
	})
}

func (g *groupTx) ClearDuplicate(ctx context.Context, id string) error {
	return g.step(ctx, func() error {
		return execOne(ctx, g.tx, id, `UPDATE workouts SET is_duplicate = 0, duplicate_of = NULL WHERE workout_id = ?`, id)
	})
}

func execOne(ctx context.Context, q querier, id, stmt string, args ...any) error {
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
	}
	return nil
}

func queryWorkouts(ctx context.Context, q querier, query string, args ...any) ([]domain.Workout, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying workouts: %w", err)
	}
	defer rows.Close()

	var out []domain.Workout
	for rows.Next() {
		var (
			w           domain.Workout
			source      string
			date        string
			isDuplicate int
		)
		if err := rows.Scan(
			&w.ID, &w.UserID, &source, &w.ExternalID, &w.Title, &w.Type, &date, &w.DurationSec,
			&w.AverageWatts, &w.NormalizedPower, &w.AverageHR, &w.MaxHR, &w.AverageCadence, &w.AverageSpeed, &w.MaxSpeed,
			&w.DistanceMeters, &w.ElevationGain, &w.Calories, &w.TSS, &w.TrainingLoad, &w.Intensity, &w.Kilojoules,
			&w.RPE, &w.Feel, &w.Description, &w.DeviceName,
			&isDuplicate, &w.DuplicateOf, &w.CompletenessScore, &w.PlannedWorkoutID,
			&w.StreamID, &w.ExerciseCount,
		); err != nil {
			return nil, fmt.Errorf("scanning workout: %w", err)
		}
		w.Source = domain.Source(source)
		w.IsDuplicate = isDuplicate != 0
		if w.Date, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("parsing date of %s: %w", w.ID, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
