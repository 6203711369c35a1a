package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"enhancement-service/internal/broker"
	"enhancement-service/internal/cache"
	"enhancement-service/internal/config"
	"enhancement-service/internal/ledger"
	"enhancement-service/internal/logging"
	"enhancement-service/internal/reconciler"
	"enhancement-service/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := ledger.RunMigrations(cfg.PostgresDSN); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	led, err := ledger.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer led.Close()

	jobCache := cache.New(cache.Options{
		Addr:     cfg.CacheAddr,
		Password: cfg.CachePassword,
		DB:       cfg.CacheDB,
		TTL:      cfg.CacheTTL,
		Logger:   logger,
	})
	if err := jobCache.Connect(ctx); err != nil {
		logger.Fatal("connect cache", zap.Error(err))
	}
	defer func() { _ = jobCache.Close() }()

	client := broker.New(broker.Options{
		Addr:           cfg.BrokerAddr,
		Password:       cfg.BrokerPassword,
		DB:             cfg.BrokerDB,
		Group:          cfg.ConsumerGroup,
		Prefetch:       cfg.Prefetch,
		ReclaimIdle:    cfg.ReclaimIdle,
		MaxDeliveries:  cfg.MaxDeliveries,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})
	if err := client.Connect(ctx, cfg.RequestQueue, cfg.ResultQueue); err != nil {
		logger.Fatal("connect broker", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	rec := reconciler.New(jobCache, led, logger)
	logger.Info("reconciler started", zap.String("result_queue", cfg.ResultQueue))
	rec.Run(ctx, client, cfg.ResultQueue)
	logger.Info("reconciler stopped")
}
