package events

import "time"

// MessageReceivedV1 is emitted once per reconciled inbound WhatsApp message.
type MessageReceivedV1 struct {
	MessageID      string    `json:"message_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	ContactID      string    `json:"contact_id"`
	ExternalID     string    `json:"external_id"`
	ChatID         string    `json:"chat_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	ContentKind    string    `json:"content_kind"`
	Body           string    `json:"body"`
	IsGroup        bool      `json:"is_group"`
	ReceivedAt     time.Time `json:"received_at"`
}

func (MessageReceivedV1) EventType() string {
	return "messaging.message.received.v1"
}

// MessageSentV1 captures an outbound message accepted by the gateway.
type MessageSentV1 struct {
	MessageID      string    `json:"message_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	ContactID      string    `json:"contact_id"`
	ExternalID     string    `json:"external_id"`
	ChatID         string    `json:"chat_id"`
	ContentKind    string    `json:"content_kind"`
	SentAt         time.Time `json:"sent_at"`
}

func (MessageSentV1) EventType() string {
	return "messaging.message.sent.v1"
}

// MessageFailedV1 captures an outbound send the gateway rejected.
type MessageFailedV1 struct {
	MessageID      string    `json:"message_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	FailureType    string    `json:"failure_type"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failed_at"`
}

func (MessageFailedV1) EventType() string {
	return "messaging.message.failed.v1"
}

// MessageStatusChangedV1 records a delivery acknowledgement that moved a message.
type MessageStatusChangedV1 struct {
	MessageID  string    `json:"message_id"`
	ExternalID string    `json:"external_id"`
	AckCode    int       `json:"ack_code"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ChangedAt  time.Time `json:"changed_at"`
}

func (MessageStatusChangedV1) EventType() string {
	return "messaging.message.status_changed.v1"
}

// AccountStatusChangedV1 records a gateway session status transition.
type AccountStatusChangedV1 struct {
	AccountID string    `json:"account_id"`
	Session   string    `json:"session"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
}

func (AccountStatusChangedV1) EventType() string {
	return "messaging.account.status_changed.v1"
}
