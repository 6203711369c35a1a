package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enhancement-service/internal/api"
	"enhancement-service/internal/broker"
	"enhancement-service/internal/cache"
	"enhancement-service/internal/config"
	"enhancement-service/internal/ledger"
	"enhancement-service/internal/logging"
	"enhancement-service/internal/producer"
	"enhancement-service/internal/ratelimit"
	"enhancement-service/internal/status"
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

	limiterRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.CacheAddr,
		Password: cfg.CachePassword,
		DB:       cfg.CacheDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterRedis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	prod := producer.New(cfg.RequestQueue, client, jobCache, led, logger)
	statusSvc := status.New(jobCache, led, logger)
	server := api.New(prod, statusSvc, limiter, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
