package mediaqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfman30/waha-bridge/internal/messaging"
)

// Queue is the transport media jobs travel on.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one delivery from a Queue.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// ErrMalformedJob marks a queue body that can never be processed.
var ErrMalformedJob = errors.New("mediaqueue: malformed job")

var errJobTooLarge = errors.New("mediaqueue: job exceeds queue message limit")

// maxBodyBytes is the SQS message size limit.
const maxBodyBytes = 256 * 1024

type payload struct {
	Job         messaging.MediaJob `json:"job"`
	TrackStatus bool               `json:"track_status"`
}

func encodePayload(p payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("mediaqueue: encode job: %w", err)
	}
	if len(body) > maxBodyBytes {
		return "", fmt.Errorf("%w: job %s is %d bytes, limit is %d", errJobTooLarge, p.Job.ID, len(body), maxBodyBytes)
	}
	return string(body), nil
}

func decodePayload(body string) (payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return payload{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return p, nil
}
