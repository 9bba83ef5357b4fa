package messaging

import (
	"fmt"
	"strings"
)

const (
	suffixContact = "@c.us"
	suffixLID     = "@lid"
	suffixGroup   = "@g.us"

	minPhoneDigits = 10
	maxPhoneDigits = 15
)

var chatIDSuffixes = []string{suffixContact, suffixLID, suffixGroup, "@s.whatsapp.net"}

// NormalizePhone reduces an operator-entered number or a chat id to its
// digits. The result has 10 to 15 digits, and NormalizePhone(NormalizePhone(x))
// equals NormalizePhone(x).
func NormalizePhone(raw string) (string, error) {
	digits, err := stripIdentity(raw)
	if err != nil {
		return "", err
	}
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidPhone, raw, len(digits))
	}
	return digits, nil
}

// NormalizeChatID reduces a gateway-issued chat id to its digits without the
// length bounds. Gateway ids are authoritative even when short.
func NormalizeChatID(raw string) (string, error) {
	return stripIdentity(raw)
}

// NormalizeIdentity treats suffixed values as gateway chat ids and anything
// else as operator input.
func NormalizeIdentity(raw string) (string, error) {
	if HasChatSuffix(raw) {
		return NormalizeChatID(raw)
	}
	return NormalizePhone(raw)
}

func stripIdentity(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	for _, suffix := range chatIDSuffixes {
		if strings.HasSuffix(strings.ToLower(value), suffix) {
			value = value[:len(value)-len(suffix)]
			break
		}
	}
	if strings.Contains(value, "@") {
		return "", fmt.Errorf("%w: unsupported chat id %q", ErrInvalidPhone, raw)
	}
	// Multi-device ids look like 5491122334455:12.
	if i := strings.IndexByte(value, ':'); i > 0 {
		value = value[:i]
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidPhone, raw)
	}
	return digits, nil
}

func sanitizePhone(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasChatSuffix reports whether value carries a WhatsApp chat id suffix.
func HasChatSuffix(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, suffix := range chatIDSuffixes {
		if strings.HasSuffix(value, suffix) {
			return true
		}
	}
	return false
}

// ChatIDForPhone is the phone-derived chat id guess.
func ChatIDForPhone(digits string) string {
	return digits + suffixContact
}

// IsGroupChatID reports whether chatID names a group (@g.us).
func IsGroupChatID(chatID string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(chatID)), suffixGroup)
}

// KindForChatID derives the conversation kind from the chat id alone.
func KindForChatID(chatID string) ConversationKind {
	if IsGroupChatID(chatID) {
		return KindGroup
	}
	return KindIndividual
}

// isRicherChatID reports whether observed should replace the stored chat id.
func isRicherChatID(stored, observed string) bool {
	observed = strings.TrimSpace(observed)
	if observed == "" || observed == stored || !HasChatSuffix(observed) || IsGroupChatID(observed) {
		return false
	}
	if stored == "" {
		return true
	}
	storedDigits, _ := NormalizeChatID(stored)
	return stored == ChatIDForPhone(storedDigits) || !HasChatSuffix(stored)
}

// CanonicalChatID lower-cases the suffix, maps the multi-device server onto
// @c.us and drops any device part.
func CanonicalChatID(chatID string) string {
	value := strings.TrimSpace(chatID)
	at := strings.LastIndexByte(value, '@')
	if at <= 0 {
		return value
	}
	user, server := value[:at], strings.ToLower(value[at+1:])
	if i := strings.IndexByte(user, ':'); i > 0 {
		user = user[:i]
	}
	if server == "s.whatsapp.net" {
		server = "c.us"
	}
	return user + "@" + server
}
