package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type FeedEventType string

const (
	FeedEntryPosted   FeedEventType = "entry.posted"
	FeedEntryRemoved  FeedEventType = "entry.removed"
	FeedStatusChanged FeedEventType = "message.status"
	FeedAttachment    FeedEventType = "entry.attachment"
)

// FeedUpdate is one change to a conversation thread as seen by live viewers.
type FeedUpdate struct {
	Type           FeedEventType `json:"type"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	MessageID      uuid.UUID     `json:"message_id"`
	Entry          *ThreadEntry  `json:"entry,omitempty"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	State          MessageState  `json:"state,omitempty"`
	At             time.Time     `json:"at"`
}

// ThreadFeed receives thread changes after they are committed. Publishing is
// best effort.
type ThreadFeed interface {
	Publish(ctx context.Context, update FeedUpdate) error
}

// AuditEntry is a reconciliation decision worth keeping for operators.
type AuditEntry struct {
	AccountID      uuid.UUID
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	Action         string
	Failure        FailureType
	Detail         string
	Added          []string
	Removed        []string
}

const (
	AuditSendFailed         = "send_failed"
	AuditEntryRolledBack    = "entry_rolled_back"
	AuditSendSuperseded     = "send_superseded"
	AuditMembershipReplaced = "membership_replaced"
	AuditCancelled          = "cancelled"
)

type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}
