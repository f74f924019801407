package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/workoutdedup/internal/config"
	"example.com/workoutdedup/internal/consumer"
	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/events"
	"example.com/workoutdedup/internal/observability"
	persistence "example.com/workoutdedup/internal/persistence/postgres"
	"example.com/workoutdedup/internal/trigger"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	recalc, closeRecalc, err := trigger.FromConfig(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("failed to build recalculation trigger", "error", err)
		os.Exit(1)
	}
	defer closeRecalc()

	repo := persistence.NewRepository(pool)
	service := domain.NewService(repo, repo, recalc,
		domain.WithLogger(logger.With("component", "dedup")),
		domain.WithLocker(persistence.NewAdvisoryLocker(pool, logger)),
		domain.WithRecorder(repo),
		domain.WithMetrics(observability.EngineMetrics{}),
	)
	handler := consumer.NewRunHandler(service, cfg.RunTimeout, logger)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("worker metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.DedupRequestsTopic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		ReadLagInterval: -1,
	})
	proc := consumer.NewProcessor(reader, consumer.Routes{events.TypeDedupRequested: handler},
		consumer.WithLogger(logger.With("component", "consumer")),
		consumer.WithRetry(cfg.HandlerAttempts, cfg.HandlerBackoff),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()

		logger.Info("worker started", "topic", cfg.DedupRequestsTopic, "group", cfg.ConsumerGroupID)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped with error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Info("worker shutdown requested")
	case <-done:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	<-done
}
