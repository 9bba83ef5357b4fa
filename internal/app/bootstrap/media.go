package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/waha-bridge/internal/archive"
	appconfig "github.com/wolfman30/waha-bridge/internal/config"
	"github.com/wolfman30/waha-bridge/internal/mediaqueue"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// MediaPipeline holds the pieces shared by the media publisher and worker.
type MediaPipeline struct {
	Queue mediaqueue.Queue
	Jobs  *mediaqueue.JobStore
	Blobs messaging.BlobStore
}

// BuildMediaPipeline selects the SQS/DynamoDB/S3 stack when configured and
// falls back to in-memory pieces for local runs.
func BuildMediaPipeline(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (*MediaPipeline, error) {
	if logger == nil {
		logger = logging.Default()
	}
	pipeline := &MediaPipeline{}

	switch {
	case cfg.UseMemoryQueue || awsCfg == nil:
		pipeline.Queue = mediaqueue.NewMemoryQueue(256)
		logger.Info("media queue: in-memory")
	case strings.TrimSpace(cfg.MediaQueueURL) == "":
		return nil, fmt.Errorf("bootstrap: MEDIA_QUEUE_URL is required unless USE_MEMORY_QUEUE is set")
	default:
		queue, err := mediaqueue.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.MediaQueueURL)
		if err != nil {
			return nil, err
		}
		pipeline.Queue = queue
		logger.Info("media queue: sqs", "queue_url", cfg.MediaQueueURL)
	}

	if awsCfg != nil && strings.TrimSpace(cfg.MediaJobsTable) != "" && !cfg.UseMemoryQueue {
		jobs, err := mediaqueue.NewJobStore(dynamodb.NewFromConfig(*awsCfg), cfg.MediaJobsTable, logger)
		if err != nil {
			return nil, err
		}
		pipeline.Jobs = jobs
	}

	if awsCfg != nil && strings.TrimSpace(cfg.MediaBucket) != "" {
		pipeline.Blobs = archive.NewStore(newS3Client(*awsCfg, cfg), cfg.MediaBucket, logger).WithPrefix("whatsapp")
		logger.Info("media blobs: s3", "bucket", cfg.MediaBucket)
	} else {
		pipeline.Blobs = archive.NewMemoryStore()
		logger.Warn("media blobs kept in memory (MEDIA_BUCKET not set)")
	}
	return pipeline, nil
}

// Publisher returns the scheduler handed to the reconciler.
func (p *MediaPipeline) Publisher(logger *logging.Logger) *mediaqueue.Publisher {
	var jobs mediaqueue.JobRecorder
	if p.Jobs != nil {
		jobs = p.Jobs
	}
	return mediaqueue.NewPublisher(p.Queue, jobs, logger)
}

// Worker returns a queue consumer that attaches media through the core.
func (p *MediaPipeline) Worker(core *Core, cfg *appconfig.Config, logger *logging.Logger) *mediaqueue.Worker {
	opts := []mediaqueue.WorkerOption{
		mediaqueue.WithWorkerCount(cfg.MediaWorkerCount),
		mediaqueue.WithThreadFeed(core.Feed),
	}
	if p.Jobs != nil {
		opts = append(opts, mediaqueue.WithJobUpdater(p.Jobs))
	}
	return mediaqueue.NewWorker(core.Attacher, p.Queue, logger, opts...)
}

// newS3Client uses path-style addressing when an endpoint override is set,
// which LocalStack requires.
func newS3Client(awsCfg aws.Config, cfg *appconfig.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
}
