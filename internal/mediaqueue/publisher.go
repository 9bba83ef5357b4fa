package mediaqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// Publisher enqueues media jobs for the worker pool.
type Publisher struct {
	queue  Queue
	jobs   JobRecorder
	logger *logging.Logger
}

var _ messaging.MediaScheduler = (*Publisher)(nil)

// NewPublisher creates a queue-backed publisher. jobs may be nil, in which
// case job status is not tracked.
func NewPublisher(queue Queue, jobs JobRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("mediaqueue: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, jobs: jobs, logger: logger}
}

// Schedule implements messaging.MediaScheduler.
func (p *Publisher) Schedule(ctx context.Context, job messaging.MediaJob) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := encodePayload(payload{Job: job, TrackStatus: p.jobs != nil})
	if errors.Is(err, errJobTooLarge) && job.URL != "" {
		job.Data = ""
		p.logger.Debug("inline media too large, queueing url only", "job_id", job.ID, "message_id", job.MessageID)
		body, err = encodePayload(payload{Job: job, TrackStatus: p.jobs != nil})
	}
	if err != nil {
		return err
	}

	if p.jobs != nil {
		record := &JobRecord{
			JobID:          job.ID.String(),
			AccountID:      job.AccountID.String(),
			ConversationID: job.ConversationID.String(),
			MessageID:      job.MessageID.String(),
			EntryID:        job.EntryID.String(),
			Kind:           string(job.Kind),
		}
		if err := p.jobs.PutPending(ctx, record); err != nil {
			return err
		}
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return fmt.Errorf("mediaqueue: failed to enqueue job: %w", err)
	}
	p.logger.Debug("media job enqueued", "job_id", job.ID, "message_id", job.MessageID, "kind", job.Kind)
	return nil
}
