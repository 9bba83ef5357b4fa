package mediaqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type mockDynamo struct {
	putInput     *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	getItem      map[string]types.AttributeValue
	err          error
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = params
	return &dynamodb.PutItemOutput{}, m.err
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, params)
	return &dynamodb.UpdateItemOutput{}, m.err
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: m.getItem}, m.err
}

func newTestJobStore(t *testing.T, mock *mockDynamo) *JobStore {
	t.Helper()
	store, err := NewJobStore(mock, "media_jobs", logging.Default())
	if err != nil {
		t.Fatalf("NewJobStore: %v", err)
	}
	return store
}

func TestJobStore_PutPendingPersistsDefaults(t *testing.T) {
	mock := &mockDynamo{}
	store := newTestJobStore(t, mock)

	if err := store.PutPending(context.Background(), &JobRecord{JobID: "job-1", Kind: "image"}); err != nil {
		t.Fatalf("PutPending returned error: %v", err)
	}
	if mock.putInput == nil {
		t.Fatalf("expected PutItem to be called")
	}

	var stored JobRecord
	if err := attributevalue.UnmarshalMap(mock.putInput.Item, &stored); err != nil {
		t.Fatalf("failed to unmarshal stored job: %v", err)
	}
	if stored.Status != JobStatusPending {
		t.Fatalf("expected status pending, got %s", stored.Status)
	}
	if stored.CreatedAt == "" || stored.UpdatedAt == "" {
		t.Fatal("expected timestamps to be populated")
	}
	if stored.ExpiresAt <= time.Now().Unix() {
		t.Fatal("expected TTL to be in the future")
	}
	if expr := mock.putInput.ConditionExpression; expr == nil || *expr != "attribute_not_exists(jobId)" {
		t.Fatalf("expected condition expression to prevent overwrites, got %v", expr)
	}
}

func TestJobStore_RequiresClientAndTable(t *testing.T) {
	if _, err := NewJobStore(nil, "media_jobs", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewJobStore(&mockDynamo{}, "", nil); err == nil {
		t.Fatal("expected error for empty table")
	}
}

func TestJobStore_MarkCompletedUsesReservedAttributeNames(t *testing.T) {
	mock := &mockDynamo{}
	store := newTestJobStore(t, mock)

	if err := store.MarkCompleted(context.Background(), "job-1", "s3://bucket/media/a.png"); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	if len(mock.updateInputs) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(mock.updateInputs))
	}
	update := mock.updateInputs[0]
	if update.ExpressionAttributeNames["#status"] != "status" {
		t.Fatalf("expected #status placeholder, got %v", update.ExpressionAttributeNames)
	}
	status, ok := update.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS)
	if !ok || status.Value != string(JobStatusCompleted) {
		t.Fatalf("unexpected status value %#v", update.ExpressionAttributeValues[":status"])
	}
	blob, ok := update.ExpressionAttributeValues[":blob"].(*types.AttributeValueMemberS)
	if !ok || blob.Value != "s3://bucket/media/a.png" {
		t.Fatalf("unexpected blob value %#v", update.ExpressionAttributeValues[":blob"])
	}
}

func TestJobStore_MarkFailedWrapsErrors(t *testing.T) {
	mock := &mockDynamo{err: errors.New("throttled")}
	store := newTestJobStore(t, mock)

	err := store.MarkFailed(context.Background(), "job-1", "decode failed")
	if err == nil {
		t.Fatal("expected error")
	}
	if msg := mock.updateInputs[0].ExpressionAttributeValues[":error"].(*types.AttributeValueMemberS).Value; msg != "decode failed" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestJobStore_GetJob(t *testing.T) {
	item, err := attributevalue.MarshalMap(JobRecord{JobID: "job-1", Status: JobStatusCompleted, BlobRef: "ref"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	store := newTestJobStore(t, &mockDynamo{getItem: item})

	job, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.Status != JobStatusCompleted || job.BlobRef != "ref" {
		t.Fatalf("unexpected job %+v", job)
	}

	missing := newTestJobStore(t, &mockDynamo{})
	if _, err := missing.GetJob(context.Background(), "job-2"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
