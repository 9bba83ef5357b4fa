package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

const (
	wahaProvider        = "waha"
	maxWebhookBodyBytes = 20 << 20
)

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

type accountLookup interface {
	GetAccountBySession(ctx context.Context, session string) (*messaging.Account, error)
}

type inboundReconciler interface {
	ReconcileInbound(ctx context.Context, evt messaging.InboundEvent, account *messaging.Account) (*messaging.Message, error)
}

type ackApplier interface {
	ApplyAckByExternalID(ctx context.Context, externalID string, code int) (*messaging.Message, error)
}

type sessionStatusApplier interface {
	ApplySessionStatus(ctx context.Context, account *messaging.Account, sessionStatus, phoneUID string) (bool, error)
}

var errBadPayload = errors.New("invalid webhook payload")

// WAHAWebhookHandler receives gateway webhooks and routes them into the
// reconciliation core.
type WAHAWebhookHandler struct {
	accounts   accountLookup
	processed  processedTracker
	reconciler inboundReconciler
	acks       ackApplier
	sessions   sessionStatusApplier
	hmacSecret string
	logger     *logging.Logger
	metrics    *observemetrics.MessagingMetrics
}

type WAHAWebhookConfig struct {
	Accounts   accountLookup
	Processed  processedTracker
	Reconciler inboundReconciler
	Acks       ackApplier
	Sessions   sessionStatusApplier
	HMACSecret string
	Logger     *logging.Logger
	Metrics    *observemetrics.MessagingMetrics
}

func NewWAHAWebhookHandler(cfg WAHAWebhookConfig) *WAHAWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WAHAWebhookHandler{
		accounts:   cfg.Accounts,
		processed:  cfg.Processed,
		reconciler: cfg.Reconciler,
		acks:       cfg.Acks,
		sessions:   cfg.Sessions,
		hmacSecret: cfg.HMACSecret,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Handle processes one webhook delivery.
func (h *WAHAWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.hmacSecret != "" {
		if err := wahaclient.VerifyWebhookHMAC(h.hmacSecret, body, r.Header.Get(wahaclient.HeaderWebhookHMAC)); err != nil {
			h.logger.Warn("invalid waha webhook signature", "error", err)
			h.observe("unknown", "unauthorized", start)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	evt, err := wahaclient.ParseWebhookEvent(body)
	if err != nil {
		h.logger.Warn("invalid waha webhook payload", "error", err)
		h.observe("unknown", "invalid", start)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	account, err := h.accounts.GetAccountBySession(ctx, evt.Session)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			h.logger.Warn("webhook for unknown session", "session", evt.Session, "event", evt.Event)
			h.observe(evt.Event, "unknown_session", start)
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		h.logger.Error("account lookup failed", "error", err, "session", evt.Session)
		h.observe(evt.Event, "error", start)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if account.WebhookVerifyToken != "" {
		if err := wahaclient.VerifyWebhookToken(account.WebhookVerifyToken, r.Header.Get(wahaclient.HeaderWebhookToken)); err != nil {
			h.logger.Warn("invalid waha webhook token", "session", evt.Session)
			h.observe(evt.Event, "unauthorized", start)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	eventKey := webhookEventKey(evt)
	if eventKey != "" && h.processed != nil {
		if processed, err := h.processed.AlreadyProcessed(ctx, wahaProvider, eventKey); err != nil {
			h.logger.Error("processed lookup failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		} else if processed {
			h.observe(evt.Event, "duplicate", start)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	var handlerErr error
	switch evt.Event {
	case wahaclient.EventMessage, wahaclient.EventMessageAny:
		handlerErr = h.handleMessage(ctx, evt, account)
	case wahaclient.EventMessageAck:
		handlerErr = h.handleAck(ctx, evt)
	case wahaclient.EventSessionStatus:
		handlerErr = h.handleSessionStatus(ctx, evt, account)
	default:
		h.observe(evt.Event, "ignored", start)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if handlerErr != nil {
		if errors.Is(handlerErr, errBadPayload) {
			h.logger.Warn("rejected waha webhook", "error", handlerErr, "event", evt.Event)
			h.observe(evt.Event, "invalid", start)
			http.Error(w, handlerErr.Error(), http.StatusBadRequest)
			return
		}
		if isPermanentInboundError(handlerErr) {
			h.logger.Warn("dropping unprocessable waha event", "error", handlerErr, "event", evt.Event, "session", evt.Session, "event_id", eventKey)
			h.markProcessed(ctx, eventKey)
			h.observe(evt.Event, "rejected", start)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("waha webhook handling failed", "error", handlerErr, "event", evt.Event, "session", evt.Session)
		h.observe(evt.Event, "error", start)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	h.markProcessed(ctx, eventKey)
	h.observe(evt.Event, "ok", start)
	w.WriteHeader(http.StatusOK)
}

func (h *WAHAWebhookHandler) markProcessed(ctx context.Context, eventKey string) {
	if eventKey == "" || h.processed == nil {
		return
	}
	if _, err := h.processed.MarkProcessed(ctx, wahaProvider, eventKey); err != nil {
		h.logger.Error("failed to mark waha event processed", "error", err, "event_id", eventKey)
	}
}

// isPermanentInboundError reports reconciliation failures that depend only on
// the event, so a redelivery would fail the same way.
func isPermanentInboundError(err error) bool {
	return errors.Is(err, messaging.ErrInvalidPhone) || errors.Is(err, messaging.ErrInvalidEvent)
}

func (h *WAHAWebhookHandler) handleMessage(ctx context.Context, evt *wahaclient.WebhookEvent, account *messaging.Account) error {
	payload, err := wahaclient.DecodePayload[wahaclient.MessagePayload](evt)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	msg, err := h.reconciler.ReconcileInbound(ctx, inboundEvent(payload, evt.Payload), account)
	if err != nil {
		return err
	}
	h.logger.Debug("waha message reconciled", "message_id", msg.ID, "external_id", msg.ExternalID, "session", evt.Session)
	return nil
}

func (h *WAHAWebhookHandler) handleAck(ctx context.Context, evt *wahaclient.WebhookEvent) error {
	payload, err := wahaclient.DecodePayload[wahaclient.AckPayload](evt)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if payload.Ack == nil {
		return fmt.Errorf("%w: ack code missing", errBadPayload)
	}
	externalID := payload.ID.String()
	_, err = h.acks.ApplyAckByExternalID(ctx, externalID, *payload.Ack)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, messaging.ErrMessageNotFound):
		// Acks for messages sent outside the bridge, or racing the send
		// response, have nothing to update.
		h.logger.Debug("ack for unknown message", "external_id", externalID, "ack", *payload.Ack)
		return nil
	case errors.Is(err, messaging.ErrUnknownAck):
		h.logger.Warn("ignoring unknown ack code", "external_id", externalID, "ack", *payload.Ack)
		return nil
	default:
		return err
	}
}

func (h *WAHAWebhookHandler) handleSessionStatus(ctx context.Context, evt *wahaclient.WebhookEvent, account *messaging.Account) error {
	payload, err := wahaclient.DecodePayload[wahaclient.SessionStatusPayload](evt)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	phoneUID := ""
	if payload.Me != nil {
		phoneUID = payload.Me.ID.String()
	}
	changed, err := h.sessions.ApplySessionStatus(ctx, account, payload.Status, phoneUID)
	if err != nil {
		return err
	}
	if changed {
		h.logger.Info("account status updated from webhook", "account_id", account.ID, "session_status", payload.Status)
	}
	return nil
}

func (h *WAHAWebhookHandler) observe(eventType, status string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveWebhook(eventType, status)
	h.metrics.ObserveWebhookLatency(eventType, time.Since(start).Seconds())
}

// webhookEventKey scopes the envelope id by event type, since one gateway
// message produces both "message" and "message.any" deliveries.
func webhookEventKey(evt *wahaclient.WebhookEvent) string {
	id := strings.TrimSpace(evt.ID)
	if id == "" {
		return ""
	}
	return evt.Event + ":" + id
}

func inboundEvent(p *wahaclient.MessagePayload, raw []byte) messaging.InboundEvent {
	chatID := p.From
	if p.FromMe && p.To != "" {
		chatID = p.To
	}
	evt := messaging.InboundEvent{
		ExternalID:  p.ID.String(),
		ChatID:      chatID,
		Participant: p.Participant,
		FromMe:      p.FromMe,
		Body:        p.Body,
		SenderName:  p.SenderName(),
		Hints: messaging.ContentHints{
			DeclaredType: p.DeclaredType(),
			HasMedia:     p.HasMedia,
			HasLocation:  p.Location != nil,
		},
		Raw: append([]byte(nil), raw...),
	}
	if p.Timestamp > 0 {
		evt.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	if p.ReplyTo != nil {
		evt.ReplyToExternalID = p.ReplyTo.ID.String()
	}
	if p.Media != nil {
		evt.Hints.Mimetype = p.Media.Mimetype
		evt.Hints.Filename = p.Media.Filename
		evt.Hints.URL = p.Media.URL
		evt.Media = &messaging.InboundMedia{
			Data:     p.Media.Data,
			URL:      p.Media.URL,
			Mimetype: p.Media.Mimetype,
			Filename: p.Media.Filename,
		}
	}
	if p.Location != nil {
		evt.Location = &messaging.Location{
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
			Name:      firstNonEmpty(p.Location.Name, p.Location.Description),
		}
	}
	return evt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
