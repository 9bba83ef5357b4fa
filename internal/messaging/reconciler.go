package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var reconcilerTracer = otel.Tracer("waha-bridge.internal.messaging.reconciler")

// errInboundRaced rolls back an inbound transaction that lost the insert race
// on external_id, discarding the entry written ahead of the message.
var errInboundRaced = errors.New("messaging: inbound message already recorded")

// Reconciler maps gateway traffic in both directions onto the
// contact/conversation/message/thread graph.
type Reconciler struct {
	repo          Repository
	gateways      GatewayFactory
	identities    *IdentityResolver
	conversations *ConversationResolver
	media         MediaScheduler
	feed          ThreadFeed
	audit         AuditRecorder
	metrics       *metrics.MessagingMetrics
	logger        *logging.Logger
	now           func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithMediaScheduler(s MediaScheduler) ReconcilerOption {
	return func(r *Reconciler) { r.media = s }
}

func WithThreadFeed(f ThreadFeed) ReconcilerOption {
	return func(r *Reconciler) { r.feed = f }
}

func WithAuditRecorder(a AuditRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.audit = a }
}

func WithMetrics(m *metrics.MessagingMetrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(repo Repository, gateways GatewayFactory, identities *IdentityResolver, conversations *ConversationResolver, logger *logging.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Reconciler{
		repo:          repo,
		gateways:      gateways,
		identities:    identities,
		conversations: conversations,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) systemParticipantID() string {
	return r.conversations.SystemParticipantID()
}

// ReconcileInbound records one gateway "message" event. Redelivery of an
// event whose external id is already known returns the stored Message
// unchanged.
func (r *Reconciler) ReconcileInbound(ctx context.Context, evt InboundEvent, account *Account) (*Message, error) {
	ctx, span := reconcilerTracer.Start(ctx, "messaging.reconcile_inbound")
	defer span.End()

	if account == nil {
		return nil, errors.New("messaging: reconcile inbound: account required")
	}
	externalID := strings.TrimSpace(evt.ExternalID)
	chatID := strings.TrimSpace(evt.ChatID)
	if externalID == "" || chatID == "" {
		return nil, fmt.Errorf("%w: message id and chat id are required", ErrInvalidEvent)
	}
	span.SetAttributes(
		attribute.String("waha.session", account.Session),
		attribute.String("waha.message_id", externalID),
		attribute.Bool("waha.from_me", evt.FromMe),
	)

	existing, err := r.repo.FindMessageByExternalID(ctx, externalID)
	if err == nil {
		r.metrics.ObserveInbound("duplicate", string(existing.Kind))
		r.logger.Debug("inbound message already reconciled", "external_id", externalID, "message_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	kind := evt.ContentKind()
	body := evt.DisplayBody()
	postedAt := evt.Timestamp.UTC()
	var externalTS *time.Time
	if evt.Timestamp.IsZero() {
		postedAt = r.now()
	} else {
		ts := postedAt
		externalTS = &ts
	}
	participant := ""
	if IsGroupChatID(chatID) {
		participant = evt.Participant
	}

	var (
		msg     *Message
		conv    *Conversation
		contact *Contact
		entry   *ThreadEntry
		created bool
	)
	err = r.repo.WithTx(ctx, func(tx Repository) error {
		identities := r.identities.withRepo(tx)
		conversations := r.conversations.withRepo(tx)

		var err error
		contact, err = identities.ResolveContact(ctx, chatID, account, participant)
		if err != nil {
			return err
		}
		conv, err = conversations.ResolveConversation(ctx, chatID, account, contact)
		if err != nil {
			return err
		}

		entryID := uuid.New()
		msg = &Message{
			ID:                uuid.New(),
			AccountID:         account.ID,
			ConversationID:    conv.ID,
			ContactID:         contact.ID,
			Direction:         DirectionInbound,
			Kind:              kind,
			State:             StateReceived,
			Body:              body,
			ExternalID:        externalID,
			ExternalTimestamp: externalTS,
			RawPayload:        evt.Raw,
			ThreadEntryID:     &entryID,
		}
		author := contact.AuthorRef()
		if evt.FromMe {
			sentAt := postedAt
			msg.Direction = DirectionOutbound
			msg.State = StateSent
			msg.SentAt = &sentAt
			author = r.systemParticipantID()
		}
		if ref := strings.TrimSpace(evt.ReplyToExternalID); ref != "" {
			if quoted, err := tx.FindMessageByExternalID(ctx, ref); err == nil {
				msg.ReplyToID = &quoted.ID
			}
		}

		// messages.thread_entry_id references the entry, so it goes first.
		entry = &ThreadEntry{
			ID:               entryID,
			ConversationID:   conv.ID,
			MessageID:        msg.ID,
			AuthorRef:        author,
			Body:             body,
			PostedAt:         postedAt,
			SuppressAutoSend: true,
		}
		if err := tx.InsertThreadEntry(ctx, entry); err != nil {
			return err
		}
		created, err = tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		if !created {
			return errInboundRaced
		}
		if err := conversations.UpdateActivity(ctx, conv, postedAt); err != nil {
			return err
		}

		aggregate := events.Aggregate("conversation", conv.ID)
		if evt.FromMe {
			return tx.AppendEvent(ctx, aggregate, events.MessageSentV1{
				MessageID:      msg.ID.String(),
				AccountID:      account.ID.String(),
				ConversationID: conv.ID.String(),
				ContactID:      contact.ID.String(),
				ExternalID:     externalID,
				ChatID:         chatID,
				ContentKind:    string(kind),
				SentAt:         postedAt,
			})
		}
		if err := conversations.IncrementUnread(ctx, conv); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, aggregate, events.MessageReceivedV1{
			MessageID:      msg.ID.String(),
			AccountID:      account.ID.String(),
			ConversationID: conv.ID.String(),
			ContactID:      contact.ID.String(),
			ExternalID:     externalID,
			ChatID:         chatID,
			SenderName:     firstNonEmpty(evt.SenderName, contact.DisplayName),
			ContentKind:    string(kind),
			Body:           body,
			IsGroup:        conv.IsGroup(),
			ReceivedAt:     postedAt,
		})
	})
	if errors.Is(err, errInboundRaced) {
		winner, err := r.repo.FindMessageByExternalID(ctx, externalID)
		if err != nil {
			return nil, fmt.Errorf("messaging: re-read message after conflict: %w", err)
		}
		r.metrics.ObserveInbound("duplicate", string(winner.Kind))
		return winner, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile inbound failed")
		r.metrics.ObserveInbound("error", string(kind))
		return nil, err
	}

	r.metrics.ObserveInbound("created", string(kind))
	r.publish(ctx, FeedUpdate{Type: FeedEntryPosted, ConversationID: conv.ID, MessageID: msg.ID, Entry: entry, State: msg.State, At: postedAt})
	if kind.IsMedia() {
		r.scheduleMedia(ctx, evt, msg, entry)
	}
	r.logger.Info("inbound message reconciled",
		"message_id", msg.ID,
		"external_id", externalID,
		"conversation_id", conv.ID,
		"contact_id", contact.ID,
		"kind", kind,
		"from_me", evt.FromMe,
	)
	return msg, nil
}

func (r *Reconciler) scheduleMedia(ctx context.Context, evt InboundEvent, msg *Message, entry *ThreadEntry) {
	if evt.Media == nil || (evt.Media.Data == "" && evt.Media.URL == "") {
		r.logger.Warn("media message without payload", "message_id", msg.ID, "kind", msg.Kind)
		return
	}
	if r.media == nil {
		r.logger.Warn("media scheduling disabled", "message_id", msg.ID)
		return
	}
	job := MediaJob{
		ID:             uuid.New(),
		AccountID:      msg.AccountID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		EntryID:        entry.ID,
		Kind:           msg.Kind,
		Data:           evt.Media.Data,
		URL:            evt.Media.URL,
		Mimetype:       evt.Media.Mimetype,
		Filename:       evt.Media.Filename,
		CreatedAt:      r.now(),
	}
	if err := r.media.Schedule(ctx, job); err != nil {
		r.logger.Error("media scheduling failed", "message_id", msg.ID, "error", err)
	}
}

// OutboundRequest is an operator send. ContactID defaults to the
// conversation's contact; Media switches the send to a media message with
// Body as caption.
type OutboundRequest struct {
	ConversationID uuid.UUID
	ContactID      uuid.UUID
	Body           string
	ReplyTo        *uuid.UUID
	Media          *MediaPayload
}

// SendResult is the outcome of an outbound send.
type SendResult struct {
	MessageID   uuid.UUID    `json:"message_id"`
	ExternalID  string       `json:"external_id,omitempty"`
	State       MessageState `json:"state"`
	Failure     FailureType  `json:"failure_type,omitempty"`
	UserMessage string       `json:"user_message,omitempty"`
}

func (r SendResult) OK() bool {
	return r.Failure == FailureNone && r.State != StateError && r.State != StateCancel
}

type outboundTarget struct {
	account *Account
	conv    *Conversation
	contact *Contact
	chatID  string
	kind    ContentKind
	text    string
	replyTo string
}

// ReconcileOutbound creates the message and its optimistic thread entry, then
// sends. Precondition failures return before anything is written. A gateway
// rejection returns the result together with a *SendError; the message is
// left in error and the entry removed.
func (r *Reconciler) ReconcileOutbound(ctx context.Context, req OutboundRequest) (*SendResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "messaging.reconcile_outbound")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", req.ConversationID.String()))

	target, err := r.prepareOutbound(ctx, req.ConversationID, req.ContactID, req.ReplyTo)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	target.kind, target.text, err = outboundContent(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	msg := &Message{
		ID:             uuid.New(),
		AccountID:      target.account.ID,
		ConversationID: target.conv.ID,
		Direction:      DirectionOutbound,
		Kind:           target.kind,
		State:          StateOutgoing,
		Body:           target.text,
		ReplyToID:      req.ReplyTo,
	}
	if target.contact != nil {
		msg.ContactID = target.contact.ID
	}
	entry, err := r.postOptimistic(ctx, target, msg, func(tx Repository) error {
		_, err := tx.InsertMessage(ctx, msg)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var media *MediaPayload
	if req.Media != nil {
		payload := *req.Media
		payload.Kind = target.kind
		payload.Caption = target.text
		media = &payload
	}
	return r.deliver(ctx, target, msg, entry, media)
}

// Retry re-sends a text message that ended in error. The message re-enters
// outgoing with a fresh thread entry.
func (r *Reconciler) Retry(ctx context.Context, messageID uuid.UUID) (*SendResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "messaging.retry")
	defer span.End()

	msg, err := r.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, asNotFound(err, ErrMessageNotFound)
	}
	if msg.Direction != DirectionOutbound || msg.State != StateError {
		return nil, fmt.Errorf("%w: cannot retry %s %s message", ErrInvalidTransition, msg.State, msg.Direction)
	}
	if msg.Kind != ContentText {
		return nil, fmt.Errorf("%w: only text messages can be retried", ErrUnsupportedContent)
	}
	target, err := r.prepareOutbound(ctx, msg.ConversationID, msg.ContactID, msg.ReplyToID)
	if err != nil {
		return nil, err
	}
	target.kind = msg.Kind
	target.text = msg.Body

	msg.State = StateOutgoing
	msg.FailureType = FailureNone
	msg.FailureReason = ""
	entry, err := r.postOptimistic(ctx, target, msg, func(tx Repository) error {
		return tx.UpdateMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("retrying outbound message", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	return r.deliver(ctx, target, msg, entry, nil)
}

// Cancel stops a draft or outgoing message and removes its thread entry.
func (r *Reconciler) Cancel(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	msg, err := r.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, asNotFound(err, ErrMessageNotFound)
	}
	if msg.State != StateDraft && msg.State != StateOutgoing {
		return nil, fmt.Errorf("%w: cannot cancel %s message", ErrInvalidTransition, msg.State)
	}
	entryID := msg.ThreadEntryID
	msg.State = StateCancel
	msg.ThreadEntryID = nil
	err = r.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		if entryID != nil {
			return tx.DeleteThreadEntry(ctx, *entryID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entryID != nil {
		r.publish(ctx, FeedUpdate{Type: FeedEntryRemoved, ConversationID: msg.ConversationID, MessageID: msg.ID, State: StateCancel, At: r.now()})
	}
	r.record(ctx, AuditEntry{AccountID: msg.AccountID, ConversationID: msg.ConversationID, MessageID: msg.ID, Action: AuditCancelled})
	return msg, nil
}

// SyncMembership refreshes a conversation's roster from the gateway.
func (r *Reconciler) SyncMembership(ctx context.Context, conversationID uuid.UUID) (*Conversation, MembershipChange, error) {
	conv, err := r.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, MembershipChange{}, asNotFound(err, ErrConversationNotFound)
	}
	account, err := r.repo.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, MembershipChange{}, asNotFound(err, ErrAccountNotFound)
	}
	change, err := r.conversations.SyncMembership(ctx, conv, account)
	if err != nil {
		return nil, MembershipChange{}, err
	}
	if !change.Empty() {
		r.record(ctx, AuditEntry{
			AccountID:      account.ID,
			ConversationID: conv.ID,
			Action:         AuditMembershipReplaced,
			Added:          uuidStrings(change.Added),
			Removed:        uuidStrings(change.Removed),
		})
	}
	return conv, change, nil
}

// MarkRead clears a conversation's unread counter.
func (r *Reconciler) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	if _, err := r.repo.GetConversation(ctx, conversationID); err != nil {
		return asNotFound(err, ErrConversationNotFound)
	}
	return r.conversations.MarkRead(ctx, conversationID)
}

// RefreshContact re-runs gateway enrichment for a contact.
func (r *Reconciler) RefreshContact(ctx context.Context, contactID uuid.UUID) (*Contact, error) {
	return r.identities.Enrich(ctx, contactID)
}

// Thread lists the newest entries of a conversation.
func (r *Reconciler) Thread(ctx context.Context, conversationID uuid.UUID, limit int) ([]ThreadEntry, error) {
	if _, err := r.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, asNotFound(err, ErrConversationNotFound)
	}
	return r.repo.ListThreadEntries(ctx, conversationID, limit)
}

func (r *Reconciler) prepareOutbound(ctx context.Context, conversationID, contactID uuid.UUID, replyTo *uuid.UUID) (*outboundTarget, error) {
	conv, err := r.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, asNotFound(err, ErrConversationNotFound)
	}
	account, err := r.repo.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, asNotFound(err, ErrAccountNotFound)
	}
	if !account.Connected() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAccountNotConnected, account.Session, account.Status)
	}

	if contactID == uuid.Nil && conv.ContactID != nil {
		contactID = *conv.ContactID
	}
	t := &outboundTarget{account: account, conv: conv, chatID: conv.ChatID}
	if contactID != uuid.Nil {
		t.contact, err = r.repo.GetContact(ctx, contactID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown contact %s", ErrInvalidPhone, contactID)
		}
		if err != nil {
			return nil, err
		}
	}
	if !conv.IsGroup() {
		if t.contact == nil {
			return nil, fmt.Errorf("%w: conversation %s has no contact", ErrInvalidPhone, conv.ID)
		}
		if _, err := NormalizeIdentity(t.contact.TargetChatID()); err != nil {
			return nil, err
		}
		t.chatID = t.contact.TargetChatID()
	}

	if replyTo != nil {
		quoted, err := r.repo.GetMessage(ctx, *replyTo)
		if err != nil {
			return nil, asNotFound(err, ErrMessageNotFound)
		}
		t.replyTo = quoted.ExternalID
	}
	return t, nil
}

func outboundContent(req OutboundRequest) (ContentKind, string, error) {
	if req.Media == nil {
		text := PlainText(req.Body)
		if text == "" {
			return "", "", fmt.Errorf("%w: body is empty", ErrInvalidBody)
		}
		if n := utf8.RuneCountInString(text); n > MaxTextLength {
			return "", "", fmt.Errorf("%w: body has %d characters, limit is %d", ErrInvalidBody, n, MaxTextLength)
		}
		return ContentText, text, nil
	}

	kind := req.Media.Kind
	if kind == "" {
		kind = KindForMimetype(req.Media.Mimetype)
	}
	if kind == ContentText || !kind.Sendable() {
		return "", "", fmt.Errorf("%w: cannot send %s", ErrUnsupportedContent, kind)
	}
	if !kind.AcceptsMimetype(req.Media.Mimetype) {
		return "", "", fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedContent, kind, req.Media.Mimetype)
	}
	if len(req.Media.Data) == 0 {
		return "", "", fmt.Errorf("%w: media payload is empty", ErrInvalidBody)
	}
	caption := PlainText(firstNonEmpty(req.Media.Caption, req.Body))
	if n := utf8.RuneCountInString(caption); n > MaxTextLength {
		return "", "", fmt.Errorf("%w: caption has %d characters, limit is %d", ErrInvalidBody, n, MaxTextLength)
	}
	return kind, caption, nil
}

// postOptimistic commits write together with a new thread entry authored by
// the system participant.
func (r *Reconciler) postOptimistic(ctx context.Context, t *outboundTarget, msg *Message, write func(tx Repository) error) (*ThreadEntry, error) {
	entryID := uuid.New()
	msg.ThreadEntryID = &entryID
	entry := &ThreadEntry{
		ID:               entryID,
		ConversationID:   t.conv.ID,
		MessageID:        msg.ID,
		AuthorRef:        r.systemParticipantID(),
		Body:             firstNonEmpty(msg.Body, msg.Kind.DefaultFilename()),
		PostedAt:         r.now(),
		SuppressAutoSend: true,
	}
	err := r.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.InsertThreadEntry(ctx, entry); err != nil {
			return err
		}
		return write(tx)
	})
	if err != nil {
		msg.ThreadEntryID = nil
		return nil, err
	}
	r.publish(ctx, FeedUpdate{Type: FeedEntryPosted, ConversationID: t.conv.ID, MessageID: msg.ID, Entry: entry, State: msg.State, At: entry.PostedAt})
	return entry, nil
}

func (r *Reconciler) deliver(ctx context.Context, t *outboundTarget, msg *Message, entry *ThreadEntry, media *MediaPayload) (*SendResult, error) {
	gw, err := r.gateway(t.account)
	var receipt SendReceipt
	if err == nil {
		if media != nil {
			receipt, err = gw.SendMedia(ctx, t.chatID, *media)
		} else {
			receipt, err = gw.SendText(ctx, t.chatID, msg.Body, t.replyTo)
		}
	}
	if err == nil && strings.TrimSpace(receipt.ExternalID) == "" {
		err = errors.New("gateway returned no message id")
	}
	if err != nil {
		return r.fail(ctx, t, msg, entry, err)
	}
	return r.markSent(ctx, t, msg, entry, strings.TrimSpace(receipt.ExternalID))
}

func (r *Reconciler) gateway(account *Account) (Gateway, error) {
	if r.gateways == nil {
		return nil, errors.New("messaging: no gateway configured")
	}
	return r.gateways.ForAccount(account)
}

func (r *Reconciler) markSent(ctx context.Context, t *outboundTarget, msg *Message, entry *ThreadEntry, externalID string) (*SendResult, error) {
	sentAt := r.now()
	msg.State = StateSent
	msg.ExternalID = externalID
	if msg.SentAt == nil {
		msg.SentAt = &sentAt
	}
	err := r.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		if err := r.conversations.withRepo(tx).UpdateActivity(ctx, t.conv, sentAt); err != nil {
			return err
		}
		contactID := ""
		if t.contact != nil {
			contactID = t.contact.ID.String()
		}
		return tx.AppendEvent(ctx, events.Aggregate("conversation", t.conv.ID), events.MessageSentV1{
			MessageID:      msg.ID.String(),
			AccountID:      t.account.ID.String(),
			ConversationID: t.conv.ID.String(),
			ContactID:      contactID,
			ExternalID:     externalID,
			ChatID:         t.chatID,
			ContentKind:    string(msg.Kind),
			SentAt:         sentAt,
		})
	})
	if errors.Is(err, ErrDuplicateExternalID) {
		return r.supersede(ctx, msg, entry, externalID)
	}
	if err != nil {
		// The gateway accepted the send; leave the message outgoing so the
		// later ack can settle it.
		r.logger.Error("record sent message failed", "message_id", msg.ID, "external_id", externalID, "error", err)
		return nil, err
	}

	r.metrics.ObserveOutbound(string(StateSent), "")
	r.publish(ctx, FeedUpdate{Type: FeedStatusChanged, ConversationID: t.conv.ID, MessageID: msg.ID, State: StateSent, At: sentAt})
	r.logger.Info("outbound message sent", "message_id", msg.ID, "external_id", externalID, "chat_id", t.chatID)
	return &SendResult{MessageID: msg.ID, ExternalID: externalID, State: StateSent}, nil
}

// supersede handles a send whose external id was already recorded by the
// webhook echo of the same message. The echo survives; this copy is
// cancelled and its entry removed.
func (r *Reconciler) supersede(ctx context.Context, msg *Message, entry *ThreadEntry, externalID string) (*SendResult, error) {
	winner, err := r.repo.FindMessageByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("messaging: re-read message after conflict: %w", err)
	}
	msg.State = StateCancel
	msg.ExternalID = ""
	msg.FailureReason = "superseded by " + winner.ID.String()
	msg.ThreadEntryID = nil
	err = r.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.DeleteThreadEntry(ctx, entry.ID)
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, FeedUpdate{Type: FeedEntryRemoved, ConversationID: msg.ConversationID, MessageID: msg.ID, State: StateCancel, At: r.now()})
	r.record(ctx, AuditEntry{AccountID: msg.AccountID, ConversationID: msg.ConversationID, MessageID: msg.ID, Action: AuditSendSuperseded, Detail: winner.ID.String()})
	r.metrics.ObserveOutbound(string(StateSent), "superseded")
	return &SendResult{MessageID: winner.ID, ExternalID: externalID, State: winner.State}, nil
}

func (r *Reconciler) fail(ctx context.Context, t *outboundTarget, msg *Message, entry *ThreadEntry, sendErr error) (*SendResult, error) {
	classified := ClassifySendError(sendErr)
	failedAt := r.now()
	msg.State = StateError
	msg.FailureType = classified.Failure
	msg.FailureReason = classified.Reason
	msg.ThreadEntryID = nil

	err := r.repo.WithTx(ctx, func(tx Repository) error {
		if err := tx.UpdateMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.DeleteThreadEntry(ctx, entry.ID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, events.Aggregate("conversation", t.conv.ID), events.MessageFailedV1{
			MessageID:      msg.ID.String(),
			AccountID:      t.account.ID.String(),
			ConversationID: t.conv.ID.String(),
			ChatID:         t.chatID,
			FailureType:    string(classified.Failure),
			Reason:         classified.Reason,
			FailedAt:       failedAt,
		})
	})
	if err != nil {
		r.logger.Error("record failed send", "message_id", msg.ID, "send_error", sendErr, "error", err)
		return nil, err
	}

	r.metrics.ObserveOutbound(string(StateError), string(classified.Failure))
	r.publish(ctx, FeedUpdate{Type: FeedEntryRemoved, ConversationID: t.conv.ID, MessageID: msg.ID, State: StateError, At: failedAt})
	r.record(ctx, AuditEntry{
		AccountID:      t.account.ID,
		ConversationID: t.conv.ID,
		MessageID:      msg.ID,
		Action:         AuditSendFailed,
		Failure:        classified.Failure,
		Detail:         classified.Reason,
	})
	r.logger.Warn("outbound message failed",
		"message_id", msg.ID,
		"chat_id", t.chatID,
		"failure", classified.Failure,
		"error", sendErr,
	)
	return &SendResult{
		MessageID:   msg.ID,
		State:       StateError,
		Failure:     classified.Failure,
		UserMessage: classified.UserMessage(),
	}, classified
}

func (r *Reconciler) publish(ctx context.Context, update FeedUpdate) {
	if r.feed == nil {
		return
	}
	if err := r.feed.Publish(ctx, update); err != nil {
		r.logger.Warn("thread feed publish failed", "conversation_id", update.ConversationID, "type", update.Type, "error", err)
	}
}

func (r *Reconciler) record(ctx context.Context, entry AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.Warn("audit record failed", "action", entry.Action, "message_id", entry.MessageID, "error", err)
	}
}

func asNotFound(err error, target error) error {
	if errors.Is(err, ErrNotFound) && !errors.Is(err, target) {
		return fmt.Errorf("%w (%v)", target, err)
	}
	return err
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
