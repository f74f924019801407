package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutdedup/internal/domain"
)

// AdvisoryLocker serialises runs per user across replicas with session-level
// advisory locks. The lock is held on a dedicated pooled connection until the
// returned unlock func is called.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAdvisoryLocker constructs an AdvisoryLocker.
func NewAdvisoryLocker(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{pool: pool, logger: logger}
}

// Lock implements domain.RunLocker.
func (l *AdvisoryLocker) Lock(ctx context.Context, userID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, userID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, domain.ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, userID); err != nil {
				l.logger.Warn("advisory unlock failed", "user_id", userID, "error", err)
				// Closing the session releases any lock it still holds.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}
