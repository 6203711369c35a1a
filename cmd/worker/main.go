package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"enhancement-service/internal/broker"
	"enhancement-service/internal/cache"
	"enhancement-service/internal/config"
	"enhancement-service/internal/enhance"
	"enhancement-service/internal/logging"
	"enhancement-service/internal/telemetry"
	"enhancement-service/internal/worker"
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

	consumerName := os.Getenv("WORKER_ID")
	if consumerName == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			consumerName = hostname
		} else {
			consumerName = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	client := broker.New(broker.Options{
		Addr:           cfg.BrokerAddr,
		Password:       cfg.BrokerPassword,
		DB:             cfg.BrokerDB,
		Group:          cfg.ConsumerGroup,
		Consumer:       consumerName,
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

	enhancer, err := enhance.NewGeminiEnhancer(ctx, cfg.GeminiAPIKey, cfg.ModelName, logger)
	if err != nil {
		logger.Fatal("init enhancer", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	consumer := worker.New(cfg.ResultQueue, client, jobCache, enhancer, logger)
	logger.Info("worker started",
		zap.String("consumer", consumerName),
		zap.String("request_queue", cfg.RequestQueue),
		zap.Int("prefetch", cfg.Prefetch))
	consumer.Run(ctx, client, cfg.RequestQueue)
	logger.Info("worker stopped")
}
