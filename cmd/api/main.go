package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"image-blur-pipeline/internal/analyzer"
	"image-blur-pipeline/internal/api"
	"image-blur-pipeline/internal/config"
	"image-blur-pipeline/internal/pipeline"
	"image-blur-pipeline/internal/queue"
	"image-blur-pipeline/internal/ratelimit"
	"image-blur-pipeline/internal/storage"
	"image-blur-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init object storage", zap.Error(err))
	}

	q := queue.New(cfg)
	defer q.Close()

	detector := analyzer.NewHTTPDetector(cfg.DetectorURL, cfg.DetectorTimeout)
	az := analyzer.NewService(detector, cfg.VehicleConfidenceThreshold, cfg.FaceConfidenceThreshold, cfg.BlurSigma)

	pipe := pipeline.New(q, objects, st, az, logger)
	if err := pipe.Initialize(ctx); err != nil {
		logger.Fatal("initialize pipeline", zap.Error(err))
	}
	pipe.StartWorkers(ctx, cfg.NumWorkers)
	defer pipe.Stop()

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, pipe, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.Int("workers", cfg.NumWorkers))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
