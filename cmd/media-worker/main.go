package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/waha-bridge/cmd/mainconfig"
	"github.com/wolfman30/waha-bridge/internal/app/bootstrap"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

func main() {
	cfg := mainconfig.LoadConfig()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.UseMemoryQueue || cfg.MediaQueueURL == "" {
		logger.Error("media worker requires MEDIA_QUEUE_URL; with USE_MEMORY_QUEUE the API consumes jobs itself")
		os.Exit(1)
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	awsCfg := &loaded

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	media, err := bootstrap.BuildMediaPipeline(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build media pipeline", "error", err)
		os.Exit(1)
	}

	core := bootstrap.BuildCore(bootstrap.CoreDeps{
		Config:  cfg,
		Logger:  logger,
		Repo:    messaging.NewStore(pool),
		Redis:   redisClient,
		Blobs:   media.Blobs,
		Metrics: observemetrics.NewMessagingMetrics(prometheus.NewRegistry()),
	})

	worker := media.Worker(core, cfg, logger.Component("media-worker"))
	worker.Start(ctx)
	logger.Info("media worker started", "queue_url", cfg.MediaQueueURL, "workers", cfg.MediaWorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("media worker shutting down")
	cancel()
	worker.Wait()
	if redisClient != nil {
		_ = redisClient.Close()
	}
}
