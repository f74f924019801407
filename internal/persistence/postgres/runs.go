package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/persistence"
)

// SaveRun upserts the run record.
func (r *Repository) SaveRun(ctx context.Context, run domain.Run) error {
	summary, err := persistence.EncodeSummary(run.Summary)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO dedup_runs (run_id, user_ref, user_id, state, created_at, started_at, finished_at, summary, error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (run_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            state = EXCLUDED.state,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at,
            summary = EXCLUDED.summary,
            error = EXCLUDED.error`

	_, err = r.pool.Exec(ctx, stmt,
		run.ID,
		run.UserRef,
		nullIfEmpty(run.UserID),
		string(run.State),
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
		summary,
		run.Error,
	)
	return err
}

// GetRun loads a run record by id.
func (r *Repository) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	const query = `SELECT run_id, user_ref, COALESCE(user_id, ''), state, created_at, started_at, finished_at, summary, error
        FROM dedup_runs WHERE run_id = $1`

	var (
		run     domain.Run
		state   string
		summary []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.UserRef, &run.UserID, &state, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &summary, &run.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	run.State = domain.RunState(state)
	if run.Summary, err = persistence.DecodeSummary(summary); err != nil {
		return nil, err
	}
	return &run, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
