package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutdedup/internal/config"
	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/outbox"
)

// FromConfig builds the recalculation trigger selected by TRIGGER_BACKEND.
// The returned close function releases any client it opened.
func FromConfig(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (domain.LoadRecalculator, func(), error) {
	switch cfg.TriggerBackend {
	case config.TriggerOutbox:
		return outbox.NewRecalcTrigger(pool, cfg.RecalcTopic), func() {}, nil
	case config.TriggerPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("creating pubsub client: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing pubsub client", "error", err)
			}
		}
		return NewPubSubTrigger(ClientPublisher{Client: client}, cfg.RecalcTopic, logger), closeFn, nil
	case config.TriggerLog:
		return LogTrigger{Logger: logger}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown trigger backend %q", cfg.TriggerBackend)
	}
}
