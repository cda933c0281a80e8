package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"eyecare/api/internal/cache"
	"eyecare/api/internal/config"
	"eyecare/api/internal/database"
	"eyecare/api/internal/log"
	"eyecare/api/internal/metrics"
	"eyecare/api/internal/queue"
	"eyecare/api/internal/repository"
	"eyecare/api/internal/storage"
	"eyecare/api/internal/tasks"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := log.NewWithLevel(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	// The API holds the local index; the worker only walks and deletes files.
	backend, err := storage.New(ctx, cfg.Storage, logger, storage.WithoutLocalIndex())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage backend")
	}
	defer backend.Close()

	m, err := metrics.New(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	processor := tasks.NewProcessor(
		backend,
		repository.NewImageRepository(dbPool),
		cfg.Maintenance.SweepGrace,
		m,
		logger,
	)
	consumer := queue.NewConsumer(
		client,
		cfg.Maintenance.Stream,
		cfg.Maintenance.Group,
		cfg.Maintenance.Consumer,
		cfg.Maintenance.ClaimInterval,
		logger,
		processor,
	)

	metricsServer := &http.Server{
		Addr:              cfg.Maintenance.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsServer.Addr != "" {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsServer.Addr != "" {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	time.Sleep(500 * time.Millisecond)
}
