package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/workoutdedup/internal/api"
	"example.com/workoutdedup/internal/auth"
	"example.com/workoutdedup/internal/config"
	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/observability"
	"example.com/workoutdedup/internal/outbox"
	persistence "example.com/workoutdedup/internal/persistence/postgres"
	httptransport "example.com/workoutdedup/internal/transport/http"
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

	var dispatcher *outbox.Dispatcher
	if cfg.TriggerBackend == config.TriggerOutbox {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithDispatcherLogger(logger.With("component", "outbox-dispatcher")))
		go dispatcher.Start(ctx)
	}

	repo := persistence.NewRepository(pool)
	service := domain.NewService(repo, repo, recalc,
		domain.WithLogger(logger.With("component", "dedup")),
		domain.WithLocker(persistence.NewAdvisoryLocker(pool, logger)),
		domain.WithRecorder(repo),
		domain.WithMetrics(observability.EngineMetrics{}),
	)

	handler := api.NewHandler(service, repo, cfg.RunTimeout, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	// Basic request logger
	requestLogger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})

	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress, cfg.RunTimeout),
		authMiddleware.Wrap(requestLogger(mux)),
	)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		logger.Info("workout-dedup api listening", "address", cfg.HTTPAddress, "trigger", cfg.TriggerBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			shutdownCh <- syscall.SIGTERM
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
