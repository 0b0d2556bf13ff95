package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reportd/internal/adapters/database"
	"reportd/internal/adapters/notify"
	"reportd/internal/adapters/queue"
	"reportd/internal/app"
	"reportd/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	broker := queue.NewRedisBroker(redisClient)

	jobRepo := database.NewPostgresJobRepository(pool)
	scheduleRepo := database.NewPostgresScheduleRepository(pool)
	audit := notify.NewLogAuditSink(logger)

	queueService := app.NewQueueService(jobRepo, broker, audit, logger)
	scheduleService := app.NewScheduleService(scheduleRepo, queueService, logger)

	service := app.NewSchedulerService(queueService, scheduleService, cfg.Queues, logger)
	runner := app.NewSchedulerRunner(service, logger)

	logger.Info("scheduler starting", zap.Strings("queues", cfg.Queues))
	if err := runner.Start(ctx); err != nil {
		logger.Error("scheduler error", zap.Error(err))
	}
	logger.Info("scheduler stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
