package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reportd/internal/adapters/database"
	httpAdapter "reportd/internal/adapters/http"
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
	jobService := app.NewJobService(queueService, jobRepo)
	scheduleService := app.NewScheduleService(scheduleRepo, queueService, logger)

	gin.SetMode(gin.ReleaseMode)
	router := httpAdapter.NewRouter(httpAdapter.NewHandler(jobService, scheduleService))

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: router,
	}

	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shut down", zap.Error(err))
	}
	logger.Info("api server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
