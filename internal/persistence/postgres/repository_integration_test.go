//go:build integration

package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/workoutdedup/internal/domain"
)

type noopRecalc struct{ calls int }

func (n *noopRecalc) Enqueue(context.Context, string, time.Time) error {
	n.calls++
	return nil
}

func TestRepositoryMergesDuplicateGroup(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	start := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	exec(t, ctx, pool, `INSERT INTO users (user_id, email) VALUES ('user-1', 'rider@example.com')`)
	exec(t, ctx, pool, `INSERT INTO planned_workouts (planned_workout_id, user_id, planned_date, title) VALUES ('plan-1', 'user-1', $1, 'Sweet spot')`, start)
	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_type, workout_date, duration_sec, calories, planned_workout_id)
        VALUES ('A', 'user-1', 'strava', 'Ride', $1, 3600, 500, 'plan-1')`, start)
	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_type, workout_date, duration_sec, average_watts)
        VALUES ('B', 'user-1', 'intervals', 'Ride', $1, 3660, 220)`, start.Add(5*time.Minute))
	exec(t, ctx, pool, `INSERT INTO streams (stream_id, workout_id, time_s) VALUES ('stream-A', 'A', '{0,1,2}')`)

	recalc := &noopRecalc{}
	service := domain.NewService(repo, repo, recalc,
		domain.WithLocker(NewAdvisoryLocker(pool, nil)),
		domain.WithRecorder(repo),
		domain.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	summary, err := service.Run(ctx, domain.RunRequest{UserRef: "Rider@example.com"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.DuplicateGroupsFound)
	require.Equal(t, 1, summary.WorkoutsMarkedDuplicate)
	require.Zero(t, summary.MergeStepFailures)
	require.Equal(t, 1, recalc.calls)

	workouts, err := repo.ListForUser(ctx, "user-1", domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, workouts, 2)

	a, b := workouts[0], workouts[1]
	require.Equal(t, "A", a.ID)
	require.True(t, a.IsDuplicate)
	require.Equal(t, "B", *a.DuplicateOf)
	require.False(t, a.HasStream())
	require.False(t, a.HasPlannedWorkout())

	require.False(t, b.IsDuplicate)
	require.Equal(t, 500.0, *b.Calories)
	require.Equal(t, "stream-A", *b.StreamID)
	require.Equal(t, "plan-1", *b.PlannedWorkoutID)
	require.Equal(t, domain.CompletenessScore(b), *b.CompletenessScore)

	var completed bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT completed FROM planned_workouts WHERE planned_workout_id = 'plan-1'`).Scan(&completed))
	require.True(t, completed)

	run, err := repo.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStateCompleted, run.State)
	require.Equal(t, "user-1", run.UserID)
	require.Equal(t, summary.DuplicateGroupsFound, run.Summary.DuplicateGroupsFound)

	again, err := service.Run(ctx, domain.RunRequest{UserRef: "user-1"})
	require.NoError(t, err)
	require.Zero(t, again.DuplicateGroupsFound)
	require.Equal(t, 1, recalc.calls)
}

func TestDateBoundedRunRepointsOlderDuplicates(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	start := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_type, workout_date, duration_sec)
        VALUES ('X', 'user-1', 'fitbit', 'Ride', $1, 3600)`, start.Add(-5*time.Minute))
	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_type, workout_date, duration_sec, average_hr)
        VALUES ('C', 'user-1', 'strava', 'Ride', $1, 3600, 140)`, start)

	service := domain.NewService(repo, repo, &noopRecalc{},
		domain.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	_, err := service.Run(ctx, domain.RunRequest{UserRef: "user-1"})
	require.NoError(t, err)

	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_type, workout_date, duration_sec, average_watts)
        VALUES ('N', 'user-1', 'intervals', 'Ride', $1, 3600, 230)`, start.Add(5*time.Minute))
	summary, err := service.Run(ctx, domain.RunRequest{UserRef: "user-1", Since: start})
	require.NoError(t, err)
	require.Equal(t, 1, summary.DuplicateGroupsFound)

	var duplicateOf string
	require.NoError(t, pool.QueryRow(ctx, `SELECT duplicate_of FROM workouts WHERE workout_id = 'X'`).Scan(&duplicateOf))
	require.Equal(t, "N", duplicateOf)

	var chained int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM workouts d JOIN workouts c ON c.workout_id = d.duplicate_of
        WHERE d.is_duplicate AND c.is_duplicate`).Scan(&chained))
	require.Zero(t, chained)
}

func TestReparentStreamRefusesSecondStream(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	now := time.Now().UTC()
	exec(t, ctx, pool, `INSERT INTO workouts (workout_id, user_id, source, workout_date) VALUES ('A', 'user-1', 'strava', $1), ('B', 'user-1', 'fitbit', $1)`, now)
	exec(t, ctx, pool, `INSERT INTO streams (stream_id, workout_id) VALUES ('s-A', 'A'), ('s-B', 'B')`)

	err := repo.WithinGroup(ctx, func(tx domain.GroupTx) error {
		require.ErrorIs(t, tx.ReparentStream(ctx, "s-B", "A"), domain.ErrRelationConflict)
		// The failed step is rolled back to its savepoint; the transaction stays usable.
		require.NoError(t, tx.MarkDuplicate(ctx, "B", "A"))
		require.ErrorIs(t, tx.UpdateScalarFields(ctx, "A", domain.FieldSet{"user_id": "x"}), domain.ErrUnknownField)
		return nil
	})
	require.NoError(t, err)

	var owner string
	require.NoError(t, pool.QueryRow(ctx, `SELECT workout_id FROM streams WHERE stream_id = 's-B'`).Scan(&owner))
	require.Equal(t, "B", owner)

	workouts, err := repo.ListForUser(ctx, "user-1", domain.ListOptions{})
	require.NoError(t, err)
	require.True(t, workouts[1].IsDuplicate)
}

func TestAdvisoryLockerRejectsSecondHolder(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	locker := NewAdvisoryLocker(pool, nil)

	unlock, err := locker.Lock(ctx, "user-1")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	unlock()
	relock, err := locker.Lock(ctx, "user-1")
	require.NoError(t, err)
	relock()
}

func TestFindIDByEmailNotFound(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	_, err := NewRepository(pool).FindIDByEmail(ctx, "ghost@example.com")
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = NewRepository(pool).GetRun(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrRunNotFound)
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("workouts"),
		postgrescontainer.WithUsername("dedup"),
		postgrescontainer.WithPassword("dedup"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	contents, err := os.ReadFile(resolvePath(t, "../../../db/postgres/migrations/0001_init.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(contents))
	require.NoError(t, err)
	return pool
}

func exec(t *testing.T, ctx context.Context, pool *pgxpool.Pool, stmt string, args ...any) {
	t.Helper()
	_, err := pool.Exec(ctx, stmt, args...)
	require.NoError(t, err)
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
