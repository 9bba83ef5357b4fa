package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wolfman30/waha-bridge/internal/mediaqueue"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type fakeProcessor struct {
	results map[string]error
	seen    []string
}

func (f *fakeProcessor) Process(ctx context.Context, body string) error {
	f.seen = append(f.seen, body)
	return f.results[body]
}

func TestHandleReportsFailedRecords(t *testing.T) {
	proc := &fakeProcessor{results: map[string]error{
		"bad":     errors.New("gateway unavailable"),
		"garbage": fmt.Errorf("%w: unexpected end of JSON input", mediaqueue.ErrMalformedJob),
	}}
	evt := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: "ok"},
		{MessageId: "m2", Body: "bad"},
		{MessageId: "m3", Body: "garbage"},
	}}

	resp := handle(context.Background(), proc, logging.New("error"), evt)

	if len(proc.seen) != 3 {
		t.Fatalf("expected every record processed, got %v", proc.seen)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Fatalf("expected only m2 to be retried, got %+v", resp.BatchItemFailures)
	}
}

func TestHandleEmptyBatch(t *testing.T) {
	resp := handle(context.Background(), &fakeProcessor{}, logging.New("error"), events.SQSEvent{})
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %+v", resp.BatchItemFailures)
	}
}
