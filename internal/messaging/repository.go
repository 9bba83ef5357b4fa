package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/events"
)

// Repository is the entity store behind the reconciliation core. Insert*
// methods report created=false when a unique constraint already holds a row,
// leaving the caller to re-read the winner.
type Repository interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountBySession(ctx context.Context, session string) (*Account, error)
	ListAccountsByStatus(ctx context.Context, statuses ...AccountStatus) ([]Account, error)
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus, phoneUID string) error

	GetContact(ctx context.Context, id uuid.UUID) (*Contact, error)
	FindContact(ctx context.Context, accountID uuid.UUID, phone string) (*Contact, error)
	InsertContact(ctx context.Context, c *Contact) (bool, error)
	UpdateContact(ctx context.Context, c *Contact) error

	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindConversation(ctx context.Context, accountID uuid.UUID, chatID string) (*Conversation, error)
	InsertConversation(ctx context.Context, c *Conversation) (bool, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementUnread(ctx context.Context, id uuid.UUID) error
	ResetUnread(ctx context.Context, id uuid.UUID) error

	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error)
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	UpdateMessage(ctx context.Context, m *Message) error

	InsertThreadEntry(ctx context.Context, e *ThreadEntry) error
	DeleteThreadEntry(ctx context.Context, id uuid.UUID) error
	AddAttachment(ctx context.Context, entryID uuid.UUID, a Attachment) error
	ListThreadEntries(ctx context.Context, conversationID uuid.UUID, limit int) ([]ThreadEntry, error)

	AppendEvent(ctx context.Context, aggregate string, evt events.CanonicalEvent) error

	// WithTx runs fn against a transaction-scoped repository. fn's writes are
	// discarded when it returns an error.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
