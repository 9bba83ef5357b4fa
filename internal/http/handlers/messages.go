package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/audit"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

const (
	defaultThreadLimit = 50
	maxThreadLimit     = 500
	maxSendBodyBytes   = 24 << 20
)

type operatorReconciler interface {
	ReconcileOutbound(ctx context.Context, req messaging.OutboundRequest) (*messaging.SendResult, error)
	Retry(ctx context.Context, messageID uuid.UUID) (*messaging.SendResult, error)
	Cancel(ctx context.Context, messageID uuid.UUID) (*messaging.Message, error)
	SyncMembership(ctx context.Context, conversationID uuid.UUID) (*messaging.Conversation, messaging.MembershipChange, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID) error
	RefreshContact(ctx context.Context, contactID uuid.UUID) (*messaging.Contact, error)
	Thread(ctx context.Context, conversationID uuid.UUID, limit int) ([]messaging.ThreadEntry, error)
}

type feedHistory interface {
	Recent(ctx context.Context, conversationID uuid.UUID, limit int64) ([]messaging.FeedUpdate, error)
}

type liveFeed interface {
	Handler(conversationID uuid.UUID) http.Handler
}

type auditQuerier interface {
	QueryEvents(ctx context.Context, filter audit.Filter) ([]audit.Event, error)
}

// MessagesHandler is the operator API over the reconciliation core.
type MessagesHandler struct {
	reconciler operatorReconciler
	history    feedHistory
	live       liveFeed
	audit      auditQuerier
	logger     *logging.Logger
}

type MessagesConfig struct {
	Reconciler operatorReconciler
	History    feedHistory
	Live       liveFeed
	Audit      auditQuerier
	Logger     *logging.Logger
}

func NewMessagesHandler(cfg MessagesConfig) *MessagesHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &MessagesHandler{
		reconciler: cfg.Reconciler,
		history:    cfg.History,
		live:       cfg.Live,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}
}

// Routes mounts the operator endpoints on r.
func (h *MessagesHandler) Routes(r chi.Router) {
	r.Post("/conversations/{conversationID}/messages", h.SendMessage)
	r.Post("/conversations/{conversationID}/sync-members", h.SyncMembers)
	r.Post("/conversations/{conversationID}/read", h.MarkRead)
	r.Get("/conversations/{conversationID}/thread", h.Thread)
	r.Get("/conversations/{conversationID}/audit", h.AuditTrail)
	r.Get("/conversations/{conversationID}/live", h.Live)
	r.Post("/messages/{messageID}/retry", h.RetryMessage)
	r.Post("/messages/{messageID}/cancel", h.CancelMessage)
	r.Post("/contacts/{contactID}/refresh", h.RefreshContact)
}

type sendMediaRequest struct {
	Kind     string `json:"kind,omitempty"`
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type sendMessageRequest struct {
	ContactID string            `json:"contact_id,omitempty"`
	Body      string            `json:"body"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Media     *sendMediaRequest `json:"media,omitempty"`
}

// SendMessage handles POST /api/conversations/{conversationID}/messages.
func (h *MessagesHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out := messaging.OutboundRequest{ConversationID: convID, Body: req.Body}
	if req.ContactID != "" {
		id, err := uuid.Parse(req.ContactID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid contact_id")
			return
		}
		out.ContactID = id
	}
	if req.ReplyTo != "" {
		id, err := uuid.Parse(req.ReplyTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid reply_to")
			return
		}
		out.ReplyTo = &id
	}
	if req.Media != nil {
		out.Media = &messaging.MediaPayload{
			Kind:     messaging.ContentKind(req.Media.Kind),
			Data:     req.Media.Data,
			Filename: req.Media.Filename,
			Mimetype: req.Media.Mimetype,
			Caption:  req.Media.Caption,
		}
	}

	result, err := h.reconciler.ReconcileOutbound(r.Context(), out)
	h.writeSendResult(w, result, err, http.StatusCreated)
}

// RetryMessage handles POST /api/messages/{messageID}/retry.
func (h *MessagesHandler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	msgID, ok := uuidParam(w, r, "messageID")
	if !ok {
		return
	}
	result, err := h.reconciler.Retry(r.Context(), msgID)
	h.writeSendResult(w, result, err, http.StatusOK)
}

// CancelMessage handles POST /api/messages/{messageID}/cancel.
func (h *MessagesHandler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	msgID, ok := uuidParam(w, r, "messageID")
	if !ok {
		return
	}
	msg, err := h.reconciler.Cancel(r.Context(), msgID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

// SyncMembers handles POST /api/conversations/{conversationID}/sync-members.
func (h *MessagesHandler) SyncMembers(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	conv, change, err := h.reconciler.SyncMembership(r.Context(), convID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": toConversationResponse(conv),
		"added":        nonNilIDs(change.Added),
		"removed":      nonNilIDs(change.Removed),
	})
}

// MarkRead handles POST /api/conversations/{conversationID}/read.
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	if err := h.reconciler.MarkRead(r.Context(), convID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Thread handles GET /api/conversations/{conversationID}/thread. Stored
// entries are authoritative; recent feed updates are included when the feed
// cache has them.
func (h *MessagesHandler) Thread(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	limit := defaultThreadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxThreadLimit)
	}

	entries, err := h.reconciler.Thread(r.Context(), convID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []messaging.ThreadEntry{}
	}
	resp := map[string]any{"entries": entries}
	if h.history != nil {
		updates, err := h.history.Recent(r.Context(), convID, int64(limit))
		if err != nil {
			h.logger.Warn("thread feed history unavailable", "error", err, "conversation_id", convID)
		} else if len(updates) > 0 {
			resp["recent_updates"] = updates
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AuditTrail handles GET /api/conversations/{conversationID}/audit.
func (h *MessagesHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	events, err := h.audit.QueryEvents(r.Context(), audit.Filter{ConversationID: convID.String(), Limit: 200})
	if err != nil {
		h.logger.Error("audit query failed", "error", err, "conversation_id", convID)
		writeError(w, http.StatusInternalServerError, "failed to load audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// RefreshContact handles POST /api/contacts/{contactID}/refresh.
func (h *MessagesHandler) RefreshContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := uuidParam(w, r, "contactID")
	if !ok {
		return
	}
	contact, err := h.reconciler.RefreshContact(r.Context(), contactID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(contact))
}

// Live handles GET /api/conversations/{conversationID}/live.
func (h *MessagesHandler) Live(w http.ResponseWriter, r *http.Request) {
	convID, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed not configured")
		return
	}
	h.live.Handler(convID).ServeHTTP(w, r)
}

func (h *MessagesHandler) writeSendResult(w http.ResponseWriter, result *messaging.SendResult, err error, okStatus int) {
	var sendErr *messaging.SendError
	switch {
	case err == nil:
		writeJSON(w, okStatus, result)
	case errors.As(err, &sendErr) && result != nil:
		h.logger.Warn("outbound send failed", "message_id", result.MessageID, "failure", sendErr.Failure, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, result)
	default:
		h.writeDomainError(w, err)
	}
}

func (h *MessagesHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, messaging.ErrAccountNotConnected), errors.Is(err, messaging.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, messaging.ErrInvalidPhone), errors.Is(err, messaging.ErrInvalidBody), errors.Is(err, messaging.ErrUnsupportedContent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("operator request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type contactResponse struct {
	ID                  uuid.UUID  `json:"id"`
	AccountID           uuid.UUID  `json:"account_id"`
	Phone               string     `json:"phone"`
	ChatID              string     `json:"chat_id,omitempty"`
	DisplayName         string     `json:"display_name"`
	PushName            string     `json:"push_name,omitempty"`
	AvatarRef           string     `json:"avatar_ref,omitempty"`
	IsBusiness          bool       `json:"is_business"`
	BusinessDescription string     `json:"business_description,omitempty"`
	BusinessCategory    string     `json:"business_category,omitempty"`
	BusinessWebsite     string     `json:"business_website,omitempty"`
	EnrichedAt          *time.Time `json:"enriched_at,omitempty"`
}

func toContactResponse(c *messaging.Contact) contactResponse {
	return contactResponse{
		ID:                  c.ID,
		AccountID:           c.AccountID,
		Phone:               c.Phone,
		ChatID:              c.ChatID,
		DisplayName:         c.DisplayName,
		PushName:            c.PushName,
		AvatarRef:           c.AvatarRef,
		IsBusiness:          c.IsBusiness,
		BusinessDescription: c.BusinessDescription,
		BusinessCategory:    c.BusinessCategory,
		BusinessWebsite:     c.BusinessWebsite,
		EnrichedAt:          c.EnrichedAt,
	}
}

type conversationResponse struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	ChatID         string      `json:"chat_id"`
	Kind           string      `json:"kind"`
	Name           string      `json:"name"`
	Roster         []uuid.UUID `json:"roster"`
	ThreadMembers  []string    `json:"thread_members"`
	LastActivityAt *time.Time  `json:"last_activity_at,omitempty"`
	MessageCount   int         `json:"message_count"`
	UnreadCount    int         `json:"unread_count"`
}

func toConversationResponse(c *messaging.Conversation) conversationResponse {
	return conversationResponse{
		ID:             c.ID,
		AccountID:      c.AccountID,
		ChatID:         c.ChatID,
		Kind:           string(c.Kind),
		Name:           c.Name,
		Roster:         nonNilIDs(c.Roster),
		ThreadMembers:  c.ThreadMembers,
		LastActivityAt: c.LastActivityAt,
		MessageCount:   c.MessageCount,
		UnreadCount:    c.UnreadCount,
	}
}

type messageResponse struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Direction      string    `json:"direction"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	ExternalID     string    `json:"external_id,omitempty"`
	FailureType    string    `json:"failure_type,omitempty"`
	Body           string    `json:"body"`
}

func toMessageResponse(m *messaging.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      string(m.Direction),
		Kind:           string(m.Kind),
		State:          string(m.State),
		ExternalID:     m.ExternalID,
		FailureType:    string(m.FailureType),
		Body:           m.Body,
	}
}

func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
