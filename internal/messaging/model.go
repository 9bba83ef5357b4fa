package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AccountStatus mirrors the gateway session lifecycle.
type AccountStatus string

const (
	AccountDisconnected AccountStatus = "disconnected"
	AccountConnecting   AccountStatus = "connecting"
	AccountConnected    AccountStatus = "connected"
	AccountError        AccountStatus = "error"
)

// Account is one gateway session. The reconciliation core only changes Status
// and PhoneUID.
type Account struct {
	ID                 uuid.UUID
	Session            string
	Name               string
	BaseURL            string
	APIKey             string
	Status             AccountStatus
	WebhookVerifyToken string
	NotifyEmails       []string
	PhoneUID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *Account) Connected() bool {
	return a != nil && a.Status == AccountConnected
}

// Contact is keyed by (AccountID, Phone).
type Contact struct {
	ID                  uuid.UUID
	AccountID           uuid.UUID
	Phone               string
	ChatID              string
	DisplayName         string
	PushName            string
	AvatarRef           string
	IsBusiness          bool
	BusinessDescription string
	BusinessCategory    string
	BusinessWebsite     string
	EnrichedAt          *time.Time
	Archived            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AuthorRef is the thread author reference for entries written by this contact.
func (c *Contact) AuthorRef() string {
	return c.ID.String()
}

// TargetChatID prefers the observed chat id over the phone-derived guess.
func (c *Contact) TargetChatID() string {
	if c.ChatID != "" {
		return c.ChatID
	}
	return ChatIDForPhone(c.Phone)
}

type ConversationKind string

const (
	KindIndividual ConversationKind = "individual"
	KindGroup      ConversationKind = "group"
)

// Conversation is keyed by (AccountID, ChatID).
type Conversation struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	ChatID         string
	Kind           ConversationKind
	Name           string
	Description    string
	ContactID      *uuid.UUID
	Roster         []uuid.UUID
	ThreadMembers  []string
	LastActivityAt *time.Time
	MessageCount   int
	UnreadCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageState string

const (
	StateDraft     MessageState = "draft"
	StateOutgoing  MessageState = "outgoing"
	StateSent      MessageState = "sent"
	StateDelivered MessageState = "delivered"
	StateRead      MessageState = "read"
	StateReceived  MessageState = "received"
	StateError     MessageState = "error"
	StateCancel    MessageState = "cancel"
)

// Message is never deleted; ExternalID is globally unique once assigned.
// ContactID is uuid.Nil for group sends without a recipient contact.
type Message struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	ConversationID    uuid.UUID
	ContactID         uuid.UUID
	Direction         Direction
	Kind              ContentKind
	State             MessageState
	FailureType       FailureType
	FailureReason     string
	Body              string
	ExternalID        string
	ReplyToID         *uuid.UUID
	ExternalTimestamp *time.Time
	RawPayload        json.RawMessage
	ThreadEntryID     *uuid.UUID
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Attachment is a blob attached to a thread entry.
type Attachment struct {
	ID       uuid.UUID `json:"id"`
	BlobRef  string    `json:"blob_ref"`
	Mimetype string    `json:"mimetype"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
}

// ThreadEntry is the conversation log line for one Message.
type ThreadEntry struct {
	ID               uuid.UUID    `json:"id"`
	ConversationID   uuid.UUID    `json:"conversation_id"`
	MessageID        uuid.UUID    `json:"message_id"`
	AuthorRef        string       `json:"author_ref"`
	Body             string       `json:"body"`
	PostedAt         time.Time    `json:"posted_at"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	SuppressAutoSend bool         `json:"suppress_auto_send"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ContactInfo is what the gateway reports about a WhatsApp user.
type ContactInfo struct {
	ID                  string
	Number              string
	Name                string
	PushName            string
	VerifiedName        string
	IsBusiness          bool
	BusinessDescription string
	BusinessCategory    string
	BusinessWebsite     string
}

// BestName applies name > pushname > verifiedName.
func (c *ContactInfo) BestName() string {
	if c == nil {
		return ""
	}
	for _, v := range []string{c.Name, c.PushName, c.VerifiedName} {
		if v != "" {
			return v
		}
	}
	return ""
}

// GroupInfo is what the gateway reports about a group chat.
type GroupInfo struct {
	ID           string
	Name         string
	Description  string
	Participants []string
}

// SendReceipt is the gateway acknowledgement of a send.
type SendReceipt struct {
	ExternalID string
}

// MediaPayload is outbound media content.
type MediaPayload struct {
	Kind     ContentKind
	Data     []byte
	Filename string
	Mimetype string
	Caption  string
}
