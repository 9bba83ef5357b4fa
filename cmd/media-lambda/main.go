package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/waha-bridge/cmd/mainconfig"
	"github.com/wolfman30/waha-bridge/internal/app/bootstrap"
	"github.com/wolfman30/waha-bridge/internal/mediaqueue"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type jobProcessor interface {
	Process(ctx context.Context, body string) error
}

func main() {
	cfg := mainconfig.LoadConfig()
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	media, err := bootstrap.BuildMediaPipeline(ctx, cfg, &awsCfg, logger)
	if err != nil {
		logger.Error("failed to build media pipeline", "error", err)
		os.Exit(1)
	}

	core := bootstrap.BuildCore(bootstrap.CoreDeps{
		Config:  cfg,
		Logger:  logger,
		Repo:    messaging.NewStore(pool),
		Redis:   bootstrap.BuildRedisClient(ctx, cfg, logger, true),
		Blobs:   media.Blobs,
		Metrics: observemetrics.NewMessagingMetrics(prometheus.NewRegistry()),
	})
	worker := media.Worker(core, cfg, logger.Component("media-lambda"))

	lambda.Start(func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		return handle(ctx, worker, logger, evt), nil
	})
}

// handle runs every record and reports the ones SQS should redeliver.
// Malformed bodies are dropped since a retry cannot fix them.
func handle(ctx context.Context, worker jobProcessor, logger *logging.Logger, evt events.SQSEvent) events.SQSEventResponse {
	resp := events.SQSEventResponse{}
	for _, record := range evt.Records {
		err := worker.Process(ctx, record.Body)
		switch {
		case err == nil:
		case errors.Is(err, mediaqueue.ErrMalformedJob):
			logger.Warn("dropping malformed media job", "message_id", record.MessageId, "error", err)
		default:
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp
}
