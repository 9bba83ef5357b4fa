package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// AccountLookup retrieves the account an event belongs to.
type AccountLookup interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*messaging.Account, error)
}

// Service emails account operators about new inbound WhatsApp messages.
type Service struct {
	email    EmailSender
	accounts AccountLookup
	baseURL  string
	logger   *logging.Logger
}

var _ events.DeliveryHandler = (*Service)(nil)

// NewService creates a notification service. baseURL, when set, is used to
// link the conversation in the email.
func NewService(email EmailSender, accounts AccountLookup, baseURL string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:    email,
		accounts: accounts,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// Handle implements events.DeliveryHandler. Events other than
// message.received.v1 are acknowledged without action.
func (s *Service) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != (events.MessageReceivedV1{}).EventType() {
		return nil
	}
	env, err := entry.Envelope()
	if err != nil {
		return err
	}
	var evt events.MessageReceivedV1
	if err := env.Decode(&evt); err != nil {
		return err
	}
	return s.NotifyMessageReceived(ctx, evt)
}

// NotifyMessageReceived emails every notify address on the account.
func (s *Service) NotifyMessageReceived(ctx context.Context, evt events.MessageReceivedV1) error {
	if s.email == nil || s.accounts == nil {
		s.logger.Debug("notify: email not configured, skipping notification")
		return nil
	}
	accountID, err := uuid.Parse(evt.AccountID)
	if err != nil {
		return fmt.Errorf("notify: invalid account id %q: %w", evt.AccountID, err)
	}
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, messaging.ErrAccountNotFound) {
			s.logger.Warn("notify: account missing, dropping notification", "account_id", evt.AccountID)
			return nil
		}
		return fmt.Errorf("notify: get account: %w", err)
	}
	if len(account.NotifyEmails) == 0 {
		return nil
	}

	sender := strings.TrimSpace(evt.SenderName)
	if sender == "" {
		sender = evt.ChatID
		if digits, err := messaging.NormalizeChatID(evt.ChatID); err == nil && !evt.IsGroup {
			sender = "+" + digits
		}
	}
	preview := messagePreview(evt)
	subject := fmt.Sprintf("New WhatsApp message from %s", sender)
	if evt.IsGroup {
		subject = fmt.Sprintf("New WhatsApp group message from %s", sender)
	}
	link := s.conversationLink(evt.ConversationID)

	body := fmt.Sprintf("%s wrote on %s:\n\n%s\n\nReceived: %s", sender, account.Name, preview, evt.ReceivedAt.Format("January 2, 2006 at 3:04 PM"))
	if link != "" {
		body += "\nOpen conversation: " + link
	}
	htmlBody := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<p><strong>%s</strong> wrote on <strong>%s</strong>:</p>
<blockquote style="border-left: 4px solid #25d366; padding: 8px 12px; margin: 16px 0;">%s</blockquote>
<p style="color: #6b7280; font-size: 12px;">Received %s</p>%s
</div>`,
		html.EscapeString(sender), html.EscapeString(account.Name), html.EscapeString(preview),
		evt.ReceivedAt.Format("January 2, 2006 at 3:04 PM"), linkHTML(link))

	var failed int
	for _, recipient := range account.NotifyEmails {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		msg := EmailMessage{To: recipient, Subject: subject, Body: body, HTML: htmlBody, Category: "whatsapp-inbound"}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("notify: failed to send email", "error", err, "to", recipient, "message_id", evt.MessageID)
			failed++
			continue
		}
		s.logger.Info("notify: inbound message email sent", "to", recipient, "message_id", evt.MessageID)
	}
	if failed > 0 {
		return fmt.Errorf("notify: %d notification(s) failed", failed)
	}
	return nil
}

func (s *Service) conversationLink(conversationID string) string {
	if s.baseURL == "" || conversationID == "" {
		return ""
	}
	return fmt.Sprintf("%s/conversations/%s", s.baseURL, conversationID)
}

func linkHTML(link string) string {
	if link == "" {
		return ""
	}
	return fmt.Sprintf(`<p><a href="%s">Open conversation</a></p>`, html.EscapeString(link))
}

func messagePreview(evt events.MessageReceivedV1) string {
	body := strings.TrimSpace(evt.Body)
	if body == "" {
		if evt.ContentKind != "" && evt.ContentKind != string(messaging.ContentText) {
			return fmt.Sprintf("[%s]", evt.ContentKind)
		}
		return "(empty message)"
	}
	return truncate(body, 280)
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
