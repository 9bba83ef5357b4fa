package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InboundEvent is a gateway "message" event after wire decoding.
type InboundEvent struct {
	ExternalID        string
	ChatID            string
	Participant       string
	FromMe            bool
	Body              string
	Timestamp         time.Time
	SenderName        string
	ReplyToExternalID string
	Hints             ContentHints
	Media             *InboundMedia
	Location          *Location
	Raw               json.RawMessage
}

// InboundMedia is either inline base64 data or a URL on the gateway.
type InboundMedia struct {
	Data     string
	URL      string
	Mimetype string
	Filename string
}

type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

func (l *Location) String() string {
	label := strings.TrimSpace(l.Name)
	if label == "" {
		label = "Location"
	}
	return fmt.Sprintf("%s (%.6f, %.6f) https://maps.google.com/?q=%.6f,%.6f", label, l.Latitude, l.Longitude, l.Latitude, l.Longitude)
}

// SenderChatID is the participant for group chats and the chat id otherwise.
func (e InboundEvent) SenderChatID() string {
	if IsGroupChatID(e.ChatID) && strings.TrimSpace(e.Participant) != "" {
		return strings.TrimSpace(e.Participant)
	}
	return e.ChatID
}

// ContentKind resolves the payload shape of the event.
func (e InboundEvent) ContentKind() ContentKind {
	hints := e.Hints
	if e.Media != nil {
		hints.HasMedia = hints.HasMedia || e.Media.Data != "" || e.Media.URL != ""
		if hints.Mimetype == "" {
			hints.Mimetype = e.Media.Mimetype
		}
		if hints.Filename == "" {
			hints.Filename = e.Media.Filename
		}
		if hints.URL == "" {
			hints.URL = e.Media.URL
		}
	}
	if e.Location != nil {
		hints.HasLocation = true
	}
	return DetectContentKind(hints)
}

// DisplayBody is the text stored on the message and thread entry.
func (e InboundEvent) DisplayBody() string {
	body := PlainText(e.Body)
	if body == "" && e.Location != nil {
		return e.Location.String()
	}
	return body
}
