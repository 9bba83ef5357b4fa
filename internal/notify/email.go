package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/waha-bridge/pkg/logging"
)

const defaultFromName = "WhatsApp Bridge"

// EmailSender delivers operator notifications.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one notification email. Category tags the message in the
// provider's analytics (SendGrid categories, SES message tags).
type EmailMessage struct {
	To       string
	ToName   string
	Subject  string
	Body     string
	HTML     string
	Category string
}

var errEmptyRecipient = errors.New("notify: recipient required")

func (m EmailMessage) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errEmptyRecipient
	}
	if strings.TrimSpace(m.Body) == "" && strings.TrimSpace(m.HTML) == "" {
		return fmt.Errorf("notify: empty email to %s", m.To)
	}
	return nil
}

type sender struct {
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

func newSender(fromEmail, fromName string, logger *logging.Logger) sender {
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(fromName) == "" {
		fromName = defaultFromName
	}
	return sender{fromEmail: fromEmail, fromName: fromName, logger: logger}
}

func (s sender) fromAddress() string {
	return fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
}

// SendGridSender sends notifications through the SendGrid v3 API.
type SendGridSender struct {
	sender
	client *sendgrid.Client
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	return &SendGridSender{
		sender: newSender(cfg.FromEmail, cfg.FromName, logger),
		client: sendgrid.NewSendClient(cfg.APIKey),
	}
}

func (s *SendGridSender) message(msg EmailMessage) *mail.SGMailV3 {
	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	m := mail.NewSingleEmail(mail.NewEmail(s.fromName, s.fromEmail), msg.Subject, mail.NewEmail(msg.ToName, msg.To), msg.Body, html)
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}
	return m
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return errors.New("notify: sendgrid client not configured")
	}
	if err := msg.validate(); err != nil {
		return err
	}
	resp, err := s.client.SendWithContext(ctx, s.message(msg))
	if err != nil {
		return fmt.Errorf("notify: sendgrid send to %s: %w", msg.To, err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Warn("sendgrid rejected email", "status", resp.StatusCode, "body", resp.Body, "to", msg.To)
		return fmt.Errorf("notify: sendgrid status %d", resp.StatusCode)
	}
	s.logger.Debug("email sent", "provider", "sendgrid", "to", msg.To, "category", msg.Category)
	return nil
}

// StubEmailSender only logs; used when no provider is configured.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("email provider disabled, notification dropped", "to", msg.To, "subject", msg.Subject)
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubEmailSender)(nil)
)
