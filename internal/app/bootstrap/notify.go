package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/waha-bridge/internal/config"
	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/notify"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// BuildEmailSender picks SendGrid or SES per EMAIL_PROVIDER ("auto" prefers
// SendGrid) and falls back to the logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	useSendGrid := cfg.SendGridAPIKey != "" && cfg.SendGridFromEmail != ""
	useSES := awsCfg != nil && cfg.SESFromEmail != ""

	switch {
	case useSendGrid && (cfg.EmailProvider == "sendgrid" || cfg.EmailProvider == "auto" || cfg.EmailProvider == ""):
		logger.Info("sendgrid email sender initialized for notifications")
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case useSES && (cfg.EmailProvider == "ses" || cfg.EmailProvider == "auto" || cfg.EmailProvider == ""):
		logger.Info("ses email sender initialized for notifications")
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SESFromName,
		}, logger)
	default:
		logger.Warn("email notifications disabled (no sendgrid or ses sender configured)", "provider", cfg.EmailProvider)
		return notify.NewStubEmailSender(logger)
	}
}

// BuildOutboxDeliverer relays committed outbox events to the notifier.
func BuildOutboxDeliverer(cfg *appconfig.Config, outbox *events.OutboxStore, notifier *notify.Service, logger *logging.Logger) *events.Deliverer {
	return events.NewDeliverer(outbox, notifier, logger.Component("outbox")).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval)
}
