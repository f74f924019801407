package trigger

import (
	"context"
	"log/slog"
	"time"
)

// LogTrigger only logs recalculation requests. dedupctl uses it for local runs.
type LogTrigger struct {
	Logger *slog.Logger
}

// Enqueue implements domain.LoadRecalculator.
func (t LogTrigger) Enqueue(ctx context.Context, userID string, from time.Time) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "training load recalculation requested", "user_id", userID, "from", from.Format(time.DateOnly))
	return nil
}
