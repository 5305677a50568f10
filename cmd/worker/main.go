package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"image-blur-pipeline/internal/analyzer"
	"image-blur-pipeline/internal/config"
	"image-blur-pipeline/internal/pipeline"
	"image-blur-pipeline/internal/queue"
	"image-blur-pipeline/internal/storage"
	"image-blur-pipeline/internal/store"
	"image-blur-pipeline/internal/telemetry"
)

// Standalone worker process for scaling processing out beyond the pool
// embedded in the API server.
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started", zap.Int("workers", cfg.NumWorkers), zap.String("queue", cfg.QueueName))
	pipe.StartWorkers(ctx, cfg.NumWorkers)

	<-ctx.Done()
	pipe.Stop()
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
