package wahaclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxTextLength is the WhatsApp body limit enforced before sendText.
const MaxTextLength = 4096

// ID decodes the gateway's identifiers, which arrive either as a plain string
// or as an object with _serialized/user/server fields depending on engine.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var obj struct {
		Serialized string `json:"_serialized"`
		User       string `json:"user"`
		Server     string `json:"server"`
		ID         string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("wahaclient: decode id: %w", err)
	}
	switch {
	case obj.Serialized != "":
		*id = ID(obj.Serialized)
	case obj.User != "" && obj.Server != "":
		*id = ID(obj.User + "@" + obj.Server)
	case obj.User != "":
		*id = ID(obj.User)
	default:
		*id = ID(obj.ID)
	}
	return nil
}

func (id ID) String() string { return string(id) }

// SendTextRequest is the body of POST /api/sendText.
type SendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (r SendTextRequest) validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return errors.New("wahaclient: chat id required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("wahaclient: message text cannot be empty")
	}
	if len([]rune(r.Text)) > MaxTextLength {
		return fmt.Errorf("wahaclient: message text exceeds %d character limit", MaxTextLength)
	}
	return nil
}

// MediaKind selects the send endpoint for a file.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

var mediaEndpoints = map[MediaKind]string{
	MediaImage:    "/api/sendImage",
	MediaVideo:    "/api/sendVideo",
	MediaAudio:    "/api/sendVoice",
	MediaDocument: "/api/sendFile",
}

// File is an inline base64 attachment.
type File struct {
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data"`
}

// SendMediaRequest is the body of the sendImage/sendFile/sendVideo/sendVoice endpoints.
type SendMediaRequest struct {
	Kind    MediaKind `json:"-"`
	Session string    `json:"session"`
	ChatID  string    `json:"chatId"`
	File    File      `json:"file"`
	Caption string    `json:"caption,omitempty"`
}

func (r SendMediaRequest) validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return errors.New("wahaclient: chat id required")
	}
	if _, ok := mediaEndpoints[r.Kind]; !ok {
		return fmt.Errorf("wahaclient: unsupported media kind %q", r.Kind)
	}
	if r.File.Data == "" {
		return errors.New("wahaclient: media data required")
	}
	if r.File.Mimetype == "" {
		return errors.New("wahaclient: media mimetype required")
	}
	return nil
}

// SendResult is the gateway acknowledgement of a send.
type SendResult struct {
	ID        ID    `json:"id"`
	MessageID ID    `json:"message_id,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ExternalID returns whichever id field the engine populated.
func (r *SendResult) ExternalID() string {
	if r == nil {
		return ""
	}
	if r.ID != "" {
		return r.ID.String()
	}
	return r.MessageID.String()
}

// BusinessProfile is reported for WhatsApp Business contacts.
type BusinessProfile struct {
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Website     any    `json:"website,omitempty"`
}

// WebsiteString flattens the website field, which is a string or a list.
func (b BusinessProfile) WebsiteString() string {
	switch v := b.Website.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Contact is the gateway contact record.
type Contact struct {
	ID              ID              `json:"id"`
	Number          string          `json:"number,omitempty"`
	Name            string          `json:"name,omitempty"`
	PushName        string          `json:"pushname,omitempty"`
	PushNameAlt     string          `json:"pushName,omitempty"`
	ShortName       string          `json:"shortName,omitempty"`
	VerifiedName    string          `json:"verifiedName,omitempty"`
	IsBusiness      bool            `json:"isBusiness,omitempty"`
	BusinessProfile BusinessProfile `json:"businessProfile,omitempty"`
}

// Push returns pushname under either casing.
func (c *Contact) Push() string {
	if c.PushName != "" {
		return c.PushName
	}
	return c.PushNameAlt
}

// Participant is a group member.
type Participant struct {
	ID      ID   `json:"id"`
	IsAdmin bool `json:"isAdmin,omitempty"`
}

// Group is the response of GET /api/{session}/groups/{id}.
type Group struct {
	ID           ID            `json:"id"`
	Name         string        `json:"name,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Description  string        `json:"description,omitempty"`
	Desc         string        `json:"desc,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

func (g *Group) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.Subject
}

func (g *Group) About() string {
	if g.Description != "" {
		return g.Description
	}
	return g.Desc
}

// SessionMe is the logged-in WhatsApp identity of a session.
type SessionMe struct {
	ID       ID     `json:"id"`
	PushName string `json:"pushName,omitempty"`
}

// Session is the response of GET /api/sessions/{name}.
type Session struct {
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Me     *SessionMe `json:"me,omitempty"`
}
