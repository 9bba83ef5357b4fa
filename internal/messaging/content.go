package messaging

import (
	"net/url"
	"path"
	"strings"
)

// ContentKind is the payload shape of a message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
	ContentSticker  ContentKind = "sticker"
	ContentLocation ContentKind = "location"
)

// contentSpec describes one content kind. Detection, defaults and outbound
// support are all driven from contentSpecs.
type contentSpec struct {
	kind            ContentKind
	declared        []string
	mimePrefixes    []string
	extensions      []string
	defaultMimetype string
	defaultFilename string
	sendable        bool
	mimetypes       []string
}

var contentSpecs = []contentSpec{
	{
		kind:     ContentText,
		declared: []string{"chat", "text"},
		sendable: true,
	},
	{
		kind:            ContentSticker,
		declared:        []string{"sticker"},
		mimePrefixes:    []string{"image/webp"},
		extensions:      []string{".webp"},
		defaultMimetype: "image/webp",
		defaultFilename: "sticker.webp",
	},
	{
		kind:            ContentImage,
		declared:        []string{"image"},
		mimePrefixes:    []string{"image/"},
		extensions:      []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"},
		defaultMimetype: "image/jpeg",
		defaultFilename: "image.jpg",
		sendable:        true,
		mimetypes:       []string{"image/jpeg", "image/png"},
	},
	{
		kind:            ContentVideo,
		declared:        []string{"video"},
		mimePrefixes:    []string{"video/"},
		extensions:      []string{".mp4", ".3gp", ".mov", ".mkv"},
		defaultMimetype: "video/mp4",
		defaultFilename: "video.mp4",
		sendable:        true,
		mimetypes:       []string{"video/mp4", "video/3gpp"},
	},
	{
		kind:            ContentAudio,
		declared:        []string{"audio", "ptt", "voice"},
		mimePrefixes:    []string{"audio/"},
		extensions:      []string{".mp3", ".ogg", ".opus", ".aac", ".amr", ".m4a", ".wav"},
		defaultMimetype: "audio/ogg",
		defaultFilename: "audio.ogg",
		sendable:        true,
		mimetypes:       []string{"audio/aac", "audio/mp4", "audio/mpeg", "audio/amr", "audio/ogg"},
	},
	{
		kind:            ContentDocument,
		declared:        []string{"document", "file"},
		mimePrefixes:    []string{"application/", "text/"},
		extensions:      []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt", ".csv", ".zip"},
		defaultMimetype: "application/octet-stream",
		defaultFilename: "document",
		sendable:        true,
		mimetypes: []string{
			"text/plain",
			"application/pdf",
			"application/vnd.ms-powerpoint",
			"application/msword",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		},
	},
	{
		kind:     ContentLocation,
		declared: []string{"location", "live_location"},
	},
}

func lookupContent(kind ContentKind) (contentSpec, bool) {
	for _, entry := range contentSpecs {
		if entry.kind == kind {
			return entry, true
		}
	}
	return contentSpec{}, false
}

// ParseContentKind validates a kind name.
func ParseContentKind(value string) (ContentKind, bool) {
	kind := ContentKind(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := lookupContent(kind); ok {
		return kind, true
	}
	return "", false
}

// IsMedia reports whether the kind carries a binary payload.
func (k ContentKind) IsMedia() bool {
	entry, ok := lookupContent(k)
	return ok && entry.defaultMimetype != ""
}

// Sendable reports whether the outbound path can deliver this kind.
func (k ContentKind) Sendable() bool {
	entry, ok := lookupContent(k)
	return ok && entry.sendable
}

func (k ContentKind) DefaultMimetype() string {
	entry, _ := lookupContent(k)
	return entry.defaultMimetype
}

func (k ContentKind) DefaultFilename() string {
	entry, _ := lookupContent(k)
	return entry.defaultFilename
}

// AcceptsMimetype reports whether the gateway accepts mimetype for outbound k.
// Kinds without an explicit list accept anything.
func (k ContentKind) AcceptsMimetype(mimetype string) bool {
	entry, ok := lookupContent(k)
	if !ok {
		return false
	}
	if len(entry.mimetypes) == 0 || mimetype == "" {
		return true
	}
	mimetype = baseMimetype(mimetype)
	for _, m := range entry.mimetypes {
		if m == mimetype {
			return true
		}
	}
	return false
}

// ContentHints is what an inbound event tells us about its payload.
type ContentHints struct {
	DeclaredType string
	HasMedia     bool
	Mimetype     string
	Filename     string
	URL          string
	HasLocation  bool
}

// DetectContentKind picks the declared type first, then the media mimetype,
// then the filename or URL extension. Events without media are text.
func DetectContentKind(h ContentHints) ContentKind {
	declared := strings.ToLower(strings.TrimSpace(h.DeclaredType))
	for _, entry := range contentSpecs {
		for _, d := range entry.declared {
			if d == declared && (entry.kind != ContentText || !h.HasMedia) {
				return entry.kind
			}
		}
	}
	if h.HasLocation {
		return ContentLocation
	}
	if !h.HasMedia && h.Mimetype == "" {
		return ContentText
	}
	if kind, ok := kindForMimetype(h.Mimetype); ok {
		return kind
	}
	for _, name := range []string{h.Filename, urlPath(h.URL)} {
		if kind, ok := kindForExtension(name); ok {
			return kind
		}
	}
	if h.HasMedia {
		return ContentDocument
	}
	return ContentText
}

// KindForMimetype maps an outbound attachment mimetype onto a kind, falling
// back to document.
func KindForMimetype(mimetype string) ContentKind {
	if kind, ok := kindForMimetype(mimetype); ok && kind.Sendable() && kind.AcceptsMimetype(mimetype) {
		return kind
	}
	return ContentDocument
}

func kindForMimetype(mimetype string) (ContentKind, bool) {
	mimetype = baseMimetype(mimetype)
	if mimetype == "" {
		return "", false
	}
	for _, entry := range contentSpecs {
		for _, prefix := range entry.mimePrefixes {
			if strings.HasPrefix(mimetype, prefix) {
				return entry.kind, true
			}
		}
	}
	return "", false
}

func kindForExtension(name string) (ContentKind, bool) {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "", false
	}
	for _, entry := range contentSpecs {
		for _, e := range entry.extensions {
			if e == ext {
				return entry.kind, true
			}
		}
	}
	return "", false
}

func baseMimetype(mimetype string) string {
	mimetype = strings.ToLower(strings.TrimSpace(mimetype))
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	return mimetype
}

func urlPath(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
