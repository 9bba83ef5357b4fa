package wahaclient

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	HeaderWebhookHMAC  = "X-Webhook-Hmac"
	HeaderWebhookToken = "X-Webhook-Token"

	EventMessage       = "message"
	EventMessageAny    = "message.any"
	EventMessageAck    = "message.ack"
	EventSessionStatus = "session.status"
)

var (
	ErrSignatureMissing  = errors.New("wahaclient: missing webhook signature")
	ErrSignatureMismatch = errors.New("wahaclient: webhook signature mismatch")
	ErrTokenMismatch     = errors.New("wahaclient: webhook token mismatch")
)

// VerifyWebhookHMAC checks the hex HMAC-SHA512 the gateway sends in X-Webhook-Hmac.
func VerifyWebhookHMAC(secret string, payload []byte, signature string) error {
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return ErrSignatureMissing
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyWebhookToken compares the per-account verify token in constant time.
func VerifyWebhookToken(expected, got string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(got))) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// WebhookEvent is the envelope of every gateway webhook delivery.
type WebhookEvent struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Session   string          `json:"session"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseWebhookEvent decodes the envelope.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("wahaclient: decode webhook: %w", err)
	}
	if strings.TrimSpace(evt.Event) == "" {
		return nil, errors.New("wahaclient: webhook event type missing")
	}
	if strings.TrimSpace(evt.Session) == "" {
		return nil, errors.New("wahaclient: webhook session missing")
	}
	return &evt, nil
}

// MediaInfo is the media block of a message payload.
type MediaInfo struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// LocationInfo is the location block of a message payload.
type LocationInfo struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ReplyTo references the quoted message.
type ReplyTo struct {
	ID ID `json:"id"`
}

// MessagePayload is the payload of a "message" event.
type MessagePayload struct {
	ID          ID            `json:"id"`
	From        string        `json:"from"`
	To          string        `json:"to,omitempty"`
	FromMe      bool          `json:"fromMe"`
	Participant string        `json:"participant,omitempty"`
	Body        string        `json:"body"`
	Timestamp   int64         `json:"timestamp"`
	HasMedia    bool          `json:"hasMedia,omitempty"`
	Type        string        `json:"type,omitempty"`
	Media       *MediaInfo    `json:"media,omitempty"`
	Location    *LocationInfo `json:"location,omitempty"`
	NotifyName  string        `json:"notifyName,omitempty"`
	PushName    string        `json:"pushName,omitempty"`
	ReplyTo     *ReplyTo      `json:"replyTo,omitempty"`
	Data        struct {
		Type string `json:"type,omitempty"`
	} `json:"_data,omitempty"`
}

// DeclaredType returns the message type, falling back to the engine's raw data.
func (p *MessagePayload) DeclaredType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Data.Type
}

// SenderName returns the display name the sender advertised.
func (p *MessagePayload) SenderName() string {
	if p.NotifyName != "" {
		return p.NotifyName
	}
	return p.PushName
}

// AckPayload is the payload of a "message.ack" event.
type AckPayload struct {
	ID   ID     `json:"id"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Ack  *int   `json:"ack"`
}

// SessionStatusPayload is the payload of a "session.status" event.
type SessionStatusPayload struct {
	Name   string     `json:"name,omitempty"`
	Status string     `json:"status"`
	Me     *SessionMe `json:"me,omitempty"`
}

// DecodePayload unmarshals the event payload into T.
func DecodePayload[T any](evt *WebhookEvent) (*T, error) {
	var out T
	if len(evt.Payload) == 0 {
		return nil, fmt.Errorf("wahaclient: %s payload missing", evt.Event)
	}
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return nil, fmt.Errorf("wahaclient: decode %s payload: %w", evt.Event, err)
	}
	return &out, nil
}
