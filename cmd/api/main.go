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

	api "background-jobs/internal/api"
	"background-jobs/internal/broker"
	"background-jobs/internal/config"
	"background-jobs/internal/dispatch"
	"background-jobs/internal/logging"
	"background-jobs/internal/query"
	"background-jobs/internal/ratelimit"
	"background-jobs/internal/store"
)

const bindingPattern = "jobs.*"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()

	var limiter api.Limiter
	if bucket := ratelimit.NewFromConfig(redisLimiter, cfg); bucket != nil {
		limiter = bucket
	}

	dispatcher := dispatch.New(st, b, dispatch.OptionsFromConfig(cfg, logger))
	server := api.New(dispatcher, query.NewService(st, cfg.StoreTimeout), limiter,
		map[string]api.Pinger{"store": st, "broker": b}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "queue", b.QueueName(cfg.BrokerQueue))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	logger.Info("api stopped")
}
