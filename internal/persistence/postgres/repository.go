package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutdedup/internal/domain"
)

// Repository provides Postgres-backed persistence for workouts and their relations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const workoutColumns = `w.workout_id, w.user_id, w.source, w.external_id, w.title, w.workout_type, w.workout_date, w.duration_sec,
        w.average_watts, w.normalized_power, w.average_hr, w.max_hr, w.average_cadence, w.average_speed, w.max_speed,
        w.distance_meters, w.elevation_gain, w.calories, w.tss, w.training_load, w.intensity, w.kilojoules,
        w.rpe, w.feel, w.description, w.device_name,
        w.is_duplicate, w.duplicate_of, w.completeness_score, w.planned_workout_id,
        (SELECT s.stream_id FROM streams s WHERE s.workout_id = w.workout_id LIMIT 1),
        (SELECT COUNT(*) FROM exercises e WHERE e.workout_id = w.workout_id)`

// ListForUser returns every workout of the user ordered by date then id.
func (r *Repository) ListForUser(ctx context.Context, userID string, opts domain.ListOptions) ([]domain.Workout, error) {
	args := []any{userID}
	query := `SELECT ` + workoutColumns + `
        FROM workouts w WHERE w.user_id = $1`
	if !opts.Since.IsZero() {
		query += ` AND w.workout_date >= $2`
		args = append(args, opts.Since)
	}
	query += ` ORDER BY w.workout_date, w.workout_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWorkouts(rows)
}

// WithinGroup runs fn in one transaction. Each GroupTx call runs under its own
// savepoint so a failed step does not poison the rest of the group.
func (r *Repository) WithinGroup(ctx context.Context, fn func(domain.GroupTx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = fn(&groupTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindIDByEmail implements domain.UserDirectory.
func (r *Repository) FindIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

type groupTx struct {
	tx pgx.Tx
}

// savepoint runs fn inside a nested transaction, which pgx maps to SAVEPOINT.
func (g *groupTx) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := g.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(sp); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (g *groupTx) LoadWorkouts(ctx context.Context, ids []string) ([]domain.Workout, error) {
	rows, err := g.tx.Query(ctx, `SELECT `+workoutColumns+`
        FROM workouts w WHERE w.workout_id = ANY($1)
        ORDER BY w.workout_date, w.workout_id
        FOR UPDATE OF w`, ids)
	if err != nil {
		return nil, err
	}
	return collectWorkouts(rows)
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
	sets := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	args = append(args, id)
	for i, column := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, i+2))
		args = append(args, fields[column])
	}
	sets = append(sets, "updated_at = NOW()")
	stmt := `UPDATE workouts SET ` + strings.Join(sets, ", ") + ` WHERE workout_id = $1`

	return g.savepoint(ctx, func(tx pgx.Tx) error {
		return execOne(ctx, tx, id, stmt, args...)
	})
}

func (g *groupTx) SetCompletenessScore(ctx context.Context, id string, score int) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		return execOne(ctx, tx, id, `UPDATE workouts SET completeness_score = $2, updated_at = NOW() WHERE workout_id = $1`, id, score)
	})
}

func (g *groupTx) TransferPlannedWorkout(ctx context.Context, plannedID, fromID, toID string) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE workouts SET planned_workout_id = NULL, updated_at = NOW() WHERE workout_id = $1 AND planned_workout_id = $2`,
			fromID, plannedID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE workouts SET planned_workout_id = $2, updated_at = NOW() WHERE workout_id = $1 AND planned_workout_id IS NULL`,
			toID, plannedID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("planned workout for %s: %w", toID, domain.ErrRelationConflict)
		}
		return nil
	})
}

func (g *groupTx) MarkPlannedCompleted(ctx context.Context, plannedID string, completedAt time.Time) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE planned_workouts SET completed = TRUE, completed_at = COALESCE(completed_at, $2) WHERE planned_workout_id = $1`,
			plannedID, completedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("planned workout %s not found", plannedID)
		}
		return nil
	})
}

func (g *groupTx) ReparentStream(ctx context.Context, streamID, newWorkoutID string) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE streams SET workout_id = $2
              WHERE stream_id = $1
                AND NOT EXISTS (SELECT 1 FROM streams WHERE workout_id = $2)`,
			streamID, newWorkoutID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stream %s to %s: %w", streamID, newWorkoutID, domain.ErrRelationConflict)
		}
		return nil
	})
}

func (g *groupTx) ReparentExercises(ctx context.Context, oldWorkoutID, newWorkoutID string) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE exercises SET workout_id = $2 WHERE workout_id = $1`, oldWorkoutID, newWorkoutID)
		return err
	})
}

func (g *groupTx) RepointDuplicates(ctx context.Context, fromID, toID string) (int, error) {
	var moved int64
	err := g.savepoint(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE workouts SET duplicate_of = $2, updated_at = NOW() WHERE duplicate_of = $1 AND workout_id <> $2`,
			fromID, toID)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
		return nil
	})
	return int(moved), err
}

func (g *groupTx) MarkDuplicate(ctx context.Context, id, canonicalID string) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		return execOne(ctx, tx, id,
			`UPDATE workouts SET is_duplicate = TRUE, duplicate_of = $2, updated_at = NOW() WHERE workout_id = $1`,
			id, canonicalID)
	})
}

func (g *groupTx) ClearDuplicate(ctx context.Context, id string) error {
	return g.savepoint(ctx, func(tx pgx.Tx) error {
		return execOne(ctx, tx, id,
			`UPDATE workouts SET is_duplicate = FALSE, duplicate_of = NULL, updated_at = NOW() WHERE workout_id = $1`,
			id)
	})
}

// execOne runs stmt and reports ErrWorkoutNotFound when no row matched.
func execOne(ctx context.Context, tx pgx.Tx, id, stmt string, args ...any) error {
	tag, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
	}
	return nil
}

func collectWorkouts(rows pgx.Rows) ([]domain.Workout, error) {
	defer rows.Close()

	var out []domain.Workout
	for rows.Next() {
		var (
			w             domain.Workout
			source        string
			exerciseCount int64
		)
		if err := rows.Scan(
			&w.ID, &w.UserID, &source, &w.ExternalID, &w.Title, &w.Type, &w.Date, &w.DurationSec,
			&w.AverageWatts, &w.NormalizedPower, &w.AverageHR, &w.MaxHR, &w.AverageCadence, &w.AverageSpeed, &w.MaxSpeed,
			&w.DistanceMeters, &w.ElevationGain, &w.Calories, &w.TSS, &w.TrainingLoad, &w.Intensity, &w.Kilojoules,
			&w.RPE, &w.Feel, &w.Description, &w.DeviceName,
			&w.IsDuplicate, &w.DuplicateOf, &w.CompletenessScore, &w.PlannedWorkoutID,
			&w.StreamID, &exerciseCount,
		); err != nil {
			return nil, err
		}
		w.Source = domain.Source(source)
		w.ExerciseCount = int(exerciseCount)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
