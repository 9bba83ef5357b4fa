package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidPhone        = errors.New("messaging: invalid phone number")
	ErrAccountNotConnected = errors.New("messaging: account not connected")
	ErrContactNotFound     = errors.New("messaging: contact not found on whatsapp")
	ErrSessionDisconnected = errors.New("messaging: gateway session disconnected")
	ErrUnknownFailure      = errors.New("messaging: send failed")

	ErrInvalidBody        = errors.New("messaging: invalid message body")
	ErrUnsupportedContent = errors.New("messaging: unsupported content kind")
	ErrNotFound           = errors.New("messaging: record not found")
	ErrUnknownAck         = errors.New("messaging: unknown ack code")
	ErrInvalidTransition  = errors.New("messaging: invalid state transition")
	ErrInvalidEvent       = errors.New("messaging: invalid gateway event")

	// ErrDuplicateExternalID reports that another message already holds the
	// external id being assigned.
	ErrDuplicateExternalID = errors.New("messaging: external id already assigned")

	// ErrDanglingThreadEntry reports a message pointing at a thread entry
	// that has not been written.
	ErrDanglingThreadEntry = errors.New("messaging: thread entry does not exist")

	ErrAccountNotFound      = fmt.Errorf("%w: account", ErrNotFound)
	ErrConversationNotFound = fmt.Errorf("%w: conversation", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message", ErrNotFound)
)

// MaxTextLength is the gateway limit for a text message body.
const MaxTextLength = 4096

// FailureType classifies why an outbound message ended in error.
type FailureType string

const (
	FailureNone                FailureType = ""
	FailureAccount             FailureType = "account"
	FailurePhoneInvalid        FailureType = "phone_invalid"
	FailureContactNotFound     FailureType = "contact_not_found"
	FailureSessionDisconnected FailureType = "session_disconnected"
	FailureUnknown             FailureType = "unknown"
)

// SendError is returned by the outbound path when the gateway rejected a send.
// The Message it refers to is left in error state.
type SendError struct {
	Failure FailureType
	Reason  string
	Err     error
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel().Error(), e.Reason)
}

func (e *SendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *SendError) sentinel() error {
	switch e.Failure {
	case FailureAccount:
		return ErrAccountNotConnected
	case FailurePhoneInvalid:
		return ErrInvalidPhone
	case FailureContactNotFound:
		return ErrContactNotFound
	case FailureSessionDisconnected:
		return ErrSessionDisconnected
	default:
		return ErrUnknownFailure
	}
}

// UserMessage is a short actionable explanation for operators.
func (e *SendError) UserMessage() string {
	switch e.Failure {
	case FailureAccount:
		return "WhatsApp account is not connected. Reconnect the session and retry."
	case FailurePhoneInvalid:
		return "The phone number is not valid. Check the number format and retry."
	case FailureContactNotFound:
		return "Contact not found on WhatsApp. Verify the number exists on WhatsApp, or wait for the contact to message first."
	case FailureSessionDisconnected:
		return "The WhatsApp session is disconnected. Refresh the account status and reconnect."
	default:
		if e.Reason != "" {
			return "Failed to send WhatsApp message: " + e.Reason
		}
		return "Failed to send WhatsApp message."
	}
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var (
	contactMissingHints = []string{"not found", "no lid", "lid not found", "not registered", "does not exist", "not on whatsapp"}
	sessionHints        = []string{"not found", "stopped", "failed", "not as expected", "disconnected", "is not working", "not started"}
)

// ClassifySendError maps a gateway send failure onto the failure taxonomy.
func ClassifySendError(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrAccountNotConnected):
		return &SendError{Failure: FailureAccount, Reason: err.Error(), Err: err}
	case errors.Is(err, ErrInvalidPhone):
		return &SendError{Failure: FailurePhoneInvalid, Reason: err.Error(), Err: err}
	case errors.Is(err, ErrSessionDisconnected):
		return &SendError{Failure: FailureSessionDisconnected, Reason: err.Error(), Err: err}
	case errors.Is(err, ErrContactNotFound):
		return &SendError{Failure: FailureContactNotFound, Reason: err.Error(), Err: err}
	}

	text := strings.ToLower(err.Error())
	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}

	if strings.Contains(text, "session") && containsAny(text, sessionHints) {
		return &SendError{Failure: FailureSessionDisconnected, Reason: err.Error(), Err: err}
	}
	if status == http.StatusUnauthorized && strings.Contains(text, "session") {
		return &SendError{Failure: FailureSessionDisconnected, Reason: err.Error(), Err: err}
	}
	if status == http.StatusNotFound || containsAny(text, contactMissingHints) {
		return &SendError{Failure: FailureContactNotFound, Reason: err.Error(), Err: err}
	}
	return &SendError{Failure: FailureUnknown, Reason: err.Error(), Err: err}
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
