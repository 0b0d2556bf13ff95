package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reportd/internal/adapters/database"
	"reportd/internal/adapters/notify"
	"reportd/internal/adapters/queue"
	"reportd/internal/adapters/storage"
	"reportd/internal/app"
	"reportd/internal/config"
	"reportd/internal/domain"
	"reportd/internal/export"
	"reportd/internal/retry"
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

	sink, err := storage.NewFilesystemSink(cfg.ArtifactDir)
	if err != nil {
		logger.Fatal("artifact directory unusable", zap.Error(err))
	}
	dataSource := database.NewSQLDataSource(pool)
	configStore := database.NewPostgresReportConfigStore(pool)
	pipeline := export.NewPipeline(dataSource, sink, logger, cfg.ExportChunkSize)

	notifier := notify.NewWebhookNotifier(cfg.NotifyWebhookURL)

	workers := app.NewWorkerService(queueService, notifier, logger, app.WorkerConfig{
		Concurrency:   cfg.WorkerConcurrency,
		Queues:        cfg.Queues,
		LeaseFor:      time.Duration(cfg.LeaseSeconds) * time.Second,
		RatePerSecond: cfg.WorkerRatePerSec,
	})

	exportHandler := app.NewExportHandler(queueService, configStore, pipeline)
	scheduledHandler := app.NewScheduledReportHandler(exportHandler, scheduleService, logger)
	usageHandler := app.NewUsageUpdateHandler(configStore, dataSource, audit)

	// The export pipeline retries its own stages, so handler-level retry
	// stays at one attempt for export-shaped jobs.
	once := retry.Policy{MaxAttempts: 1}
	for _, reg := range []struct {
		jobType domain.JobType
		handler app.HandlerFunc
		policy  retry.Policy
	}{
		{domain.JobTypeExport, exportHandler.Handle, once},
		{domain.JobTypeScheduledReport, scheduledHandler.Handle, once},
		{domain.JobTypeUsageUpdate, usageHandler.Handle, retry.DatabasePolicy()},
	} {
		if err := workers.Register(reg.jobType, reg.handler, reg.policy); err != nil {
			logger.Fatal("handler registration failed", zap.Error(err))
		}
	}

	logger.Info("worker pool starting",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("queues", cfg.Queues))

	if err := workers.Run(ctx); err != nil {
		logger.Error("worker pool error", zap.Error(err))
	}
	logger.Info("worker pool stopped", zap.Any("metrics", workers.Metrics()))
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
