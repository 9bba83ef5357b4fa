package mediaqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// Attacher runs a media job. *messaging.MediaAttacher implements it.
type Attacher interface {
	Attach(ctx context.Context, job messaging.MediaJob) (*messaging.Attachment, error)
}

// Worker consumes media jobs from the queue and attaches their payloads.
type Worker struct {
	attacher Attacher
	queue    Queue
	logger   *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	jobs             JobUpdater
	feed             messaging.ThreadFeed
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithJobUpdater records job outcomes for payloads that request tracking.
func WithJobUpdater(jobs JobUpdater) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.jobs = jobs
	}
}

// WithThreadFeed publishes an attachment update once a job succeeds.
func WithThreadFeed(feed messaging.ThreadFeed) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.feed = feed
	}
}

func NewWorker(attacher Attacher, queue Queue, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if attacher == nil {
		panic("mediaqueue: attacher cannot be nil")
	}
	if queue == nil {
		panic("mediaqueue: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Worker{attacher: attacher, queue: queue, logger: logger, cfg: cfg}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("media worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("media worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("failed to receive media jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	// Failed jobs are deleted too; a redelivery would fail the same way.
	_ = w.Process(ctx, msg.Body)
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

// Process runs a single encoded job. Lambda handlers call it directly.
func (w *Worker) Process(ctx context.Context, body string) error {
	p, err := decodePayload(body)
	if err != nil {
		w.logger.Error("failed to decode media job", "error", err)
		return err
	}
	job := p.Job
	jobID := job.ID.String()

	attachment, err := w.attacher.Attach(ctx, job)
	if err != nil {
		w.logger.Error("media job failed", "error", err, "job_id", jobID, "message_id", job.MessageID)
		if p.TrackStatus && w.cfg.jobs != nil {
			if storeErr := w.cfg.jobs.MarkFailed(ctx, jobID, err.Error()); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", jobID)
			}
		}
		return err
	}

	if p.TrackStatus && w.cfg.jobs != nil {
		if storeErr := w.cfg.jobs.MarkCompleted(ctx, jobID, attachment.BlobRef); storeErr != nil {
			w.logger.Error("failed to update job status", "error", storeErr, "job_id", jobID)
		}
	}
	if w.cfg.feed != nil {
		update := messaging.FeedUpdate{
			Type:           messaging.FeedAttachment,
			ConversationID: job.ConversationID,
			MessageID:      job.MessageID,
			Attachment:     attachment,
			At:             time.Now().UTC(),
		}
		if err := w.cfg.feed.Publish(ctx, update); err != nil {
			w.logger.Warn("thread feed publish failed", "error", err, "message_id", job.MessageID)
		}
	}
	w.logger.Info("media job completed", "job_id", jobID, "message_id", job.MessageID, "blob", attachment.BlobRef)
	return nil
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete media job", "error", err)
	}
}
