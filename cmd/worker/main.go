package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"background-jobs/internal/broker"
	"background-jobs/internal/config"
	"background-jobs/internal/dispatch"
	"background-jobs/internal/logging"
	"background-jobs/internal/store"
	"background-jobs/internal/sweeper"
	"background-jobs/internal/telemetry"
	workerproc "background-jobs/internal/worker"
)

const bindingPattern = "jobs.*"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("service", "worker", "worker_id", cfg.WorkerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	b := broker.NewFromConfig(cfg, logger)
	if err := b.Connect(ctx); err != nil {
		logger.Error("connect broker", "error", err)
		os.Exit(1)
	}
	defer b.Disconnect()
	if err := b.DeclareQueue(ctx, cfg.BrokerQueue, bindingPattern); err != nil {
		logger.Error("declare queue", "queue", cfg.BrokerQueue, "error", err)
		os.Exit(1)
	}

	artifacts, err := workerproc.NewArtifacts(ctx, cfg)
	if err != nil {
		logger.Error("init artifact storage", "error", err)
		os.Exit(1)
	}
	registry := workerproc.NewRegistry()
	workerproc.RegisterBuiltins(registry, workerproc.Builtins{
		Config:    cfg,
		Store:     st,
		Mailer:    workerproc.LogMailer{Logger: logger},
		Notifier:  workerproc.LogNotifier{Logger: logger},
		Artifacts: artifacts,
	})
	processor := workerproc.NewProcessor(st, b, registry, workerproc.OptionsFromConfig(cfg, logger))

	if cfg.SweepEnabled {
		redisLock := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisLock.Close()

		dispatcher := dispatch.New(st, b, dispatch.OptionsFromConfig(cfg, logger))
		sw := sweeper.New(st, dispatcher, sweeper.NewRedisLock(redisLock, cfg.WorkerID), sweeper.OptionsFromConfig(cfg, logger))
		if err := sw.Start(ctx); err != nil {
			logger.Error("start sweeper", "error", err)
			os.Exit(1)
		}
		defer sw.Stop()
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"queue", b.QueueName(cfg.BrokerQueue),
		"visibility", cfg.VisibilityTimeout,
		"handler_timeout", cfg.HandlerTimeout,
		"backoff_initial", cfg.BackoffInitial,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
