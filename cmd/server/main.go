package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fundcore/webhooks/internal/api"
	"github.com/fundcore/webhooks/internal/config"
	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/fundcore/webhooks/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Delivery pipeline: dispatcher fans events out into the queue,
	// the poller pulls due jobs into the worker pool.
	queue := engine.NewQueue(redisStore.Client())
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	policy := engine.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	deliverer := worker.NewDeliverer(worker.DelivererConfig{
		Attempts:         pgStore,
		Subscriptions:    pgStore,
		Queue:            queue,
		Limiter:          limiter,
		Policy:           policy,
		FailureThreshold: cfg.FailureThreshold,
		Timeout:          cfg.DeliveryTimeout,
		Logger:           logger,
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(workerCtx)

	// The poller gets its own context so it can be stopped, and waited
	// on, before the pool's jobs channel is closed.
	pollerCtx, stopPoller := context.WithCancel(ctx)
	poller := worker.NewPoller(queue, pool, logger)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Start(pollerCtx)
	}()

	dispatcher := engine.NewDispatcher(pgStore, queue, logger)
	router := api.NewRouter(pgStore, dispatcher, queue)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Stop the producer first, then close the pool so every submitted
	// job drains before the workers exit.
	stopPoller()
	<-pollerDone
	pool.Stop()
	stopWorkers()

	logger.Info("server stopped")
}
