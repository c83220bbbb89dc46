package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/swiftbill/swiftbill/internal/config"
	"github.com/swiftbill/swiftbill/internal/infra"
	"github.com/swiftbill/swiftbill/internal/logging"
	"github.com/swiftbill/swiftbill/internal/notification"
	"github.com/swiftbill/swiftbill/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("no DATABASE_URL configured, using in-memory store")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("no REDIS_URL configured, using in-process locks")
	}

	srv := server.New(cfg, db, cache, logger)
	svcs := srv.Services()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		svcs.Scheduler.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		svcs.Reconciler.Run(ctx)
	}()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	logger.Info("service started", "env", cfg.AppEnv, "addr", cfg.Address())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stop()
	workers.Wait()

	if kn, ok := svcs.Notifier.(*notification.KafkaNotifier); ok {
		if err := kn.Close(); err != nil {
			logger.Warn("close kafka writer", "error", err)
		}
	}

	logger.Info("server exited cleanly")
}
