package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/waha-bridge/internal/audit"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type fakeOperator struct {
	lastSend   messaging.OutboundRequest
	sendResult *messaging.SendResult
	sendErr    error

	cancelled *messaging.Message
	cancelErr error

	conv    *messaging.Conversation
	change  messaging.MembershipChange
	syncErr error

	readErr error

	contact    *messaging.Contact
	contactErr error

	entries    []messaging.ThreadEntry
	threadErr  error
	threadSize int
}

func (f *fakeOperator) ReconcileOutbound(_ context.Context, req messaging.OutboundRequest) (*messaging.SendResult, error) {
	f.lastSend = req
	return f.sendResult, f.sendErr
}

func (f *fakeOperator) Retry(_ context.Context, id uuid.UUID) (*messaging.SendResult, error) {
	if f.sendResult != nil {
		f.sendResult.MessageID = id
	}
	return f.sendResult, f.sendErr
}

func (f *fakeOperator) Cancel(context.Context, uuid.UUID) (*messaging.Message, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeOperator) SyncMembership(context.Context, uuid.UUID) (*messaging.Conversation, messaging.MembershipChange, error) {
	return f.conv, f.change, f.syncErr
}

func (f *fakeOperator) MarkRead(context.Context, uuid.UUID) error { return f.readErr }

func (f *fakeOperator) RefreshContact(context.Context, uuid.UUID) (*messaging.Contact, error) {
	return f.contact, f.contactErr
}

func (f *fakeOperator) Thread(_ context.Context, _ uuid.UUID, limit int) ([]messaging.ThreadEntry, error) {
	f.threadSize = limit
	return f.entries, f.threadErr
}

type fakeHistory struct {
	updates []messaging.FeedUpdate
	err     error
}

func (f fakeHistory) Recent(context.Context, uuid.UUID, int64) ([]messaging.FeedUpdate, error) {
	return f.updates, f.err
}

type fakeAudit struct {
	filter audit.Filter
	events []audit.Event
}

func (f *fakeAudit) QueryEvents(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	f.filter = filter
	return f.events, nil
}

func newMessagesRouter(cfg MessagesConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.New("error")
	}
	r := chi.NewRouter()
	NewMessagesHandler(cfg).Routes(r)
	return r
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSendMessageCreated(t *testing.T) {
	msgID := uuid.New()
	op := &fakeOperator{sendResult: &messaging.SendResult{MessageID: msgID, ExternalID: "true_x_1", State: messaging.StateSent}}
	h := newMessagesRouter(MessagesConfig{Reconciler: op})

	convID := uuid.New()
	replyTo := uuid.New()
	body := `{"body":"hola","reply_to":"` + replyTo.String() + `","media":{"kind":"image","data":"aGk=","mimetype":"image/png"}}`
	rec := doRequest(h, http.MethodPost, "/conversations/"+convID.String()+"/messages", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, convID, op.lastSend.ConversationID)
	require.NotNil(t, op.lastSend.ReplyTo)
	assert.Equal(t, replyTo, *op.lastSend.ReplyTo)
	require.NotNil(t, op.lastSend.Media)
	assert.Equal(t, []byte("hi"), op.lastSend.Media.Data)
	assert.Equal(t, messaging.ContentImage, op.lastSend.Media.Kind)

	out := decodeBody(t, rec)
	assert.Equal(t, msgID.String(), out["message_id"])
	assert.Equal(t, "sent", out["state"])
}

func TestSendMessageGatewayFailureReturnsResult(t *testing.T) {
	op := &fakeOperator{
		sendResult: &messaging.SendResult{MessageID: uuid.New(), State: messaging.StateError, Failure: messaging.FailureContactNotFound, UserMessage: "not on WhatsApp"},
		sendErr:    &messaging.SendError{Failure: messaging.FailureContactNotFound},
	}
	h := newMessagesRouter(MessagesConfig{Reconciler: op})
	rec := doRequest(h, http.MethodPost, "/conversations/"+uuid.NewString()+"/messages", `{"body":"x"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "contact_not_found", out["failure_type"])
	assert.Equal(t, "error", out["state"])
}

func TestSendMessageRequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"bad conversation id", "/conversations/nope/messages", `{"body":"x"}`, nil, http.StatusBadRequest},
		{"bad json", "/conversations/" + uuid.NewString() + "/messages", `{`, nil, http.StatusBadRequest},
		{"bad contact id", "/conversations/" + uuid.NewString() + "/messages", `{"body":"x","contact_id":"nope"}`, nil, http.StatusBadRequest},
		{"bad reply id", "/conversations/" + uuid.NewString() + "/messages", `{"body":"x","reply_to":"nope"}`, nil, http.StatusBadRequest},
		{"missing conversation", "/conversations/" + uuid.NewString() + "/messages", `{"body":"x"}`, messaging.ErrConversationNotFound, http.StatusNotFound},
		{"account offline", "/conversations/" + uuid.NewString() + "/messages", `{"body":"x"}`, messaging.ErrAccountNotConnected, http.StatusConflict},
		{"empty body", "/conversations/" + uuid.NewString() + "/messages", `{"body":""}`, messaging.ErrInvalidBody, http.StatusBadRequest},
		{"unsupported media", "/conversations/" + uuid.NewString() + "/messages", `{"media":{"kind":"sticker"}}`, messaging.ErrUnsupportedContent, http.StatusBadRequest},
		{"unexpected", "/conversations/" + uuid.NewString() + "/messages", `{"body":"x"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMessagesRouter(MessagesConfig{Reconciler: &fakeOperator{sendErr: tt.err}})
			rec := doRequest(h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRetryAndCancel(t *testing.T) {
	op := &fakeOperator{sendResult: &messaging.SendResult{State: messaging.StateSent}}
	h := newMessagesRouter(MessagesConfig{Reconciler: op})
	msgID := uuid.New()

	rec := doRequest(h, http.MethodPost, "/messages/"+msgID.String()+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgID.String(), decodeBody(t, rec)["message_id"])

	op.cancelled = &messaging.Message{ID: msgID, State: messaging.StateCancel, Direction: messaging.DirectionOutbound}
	rec = doRequest(h, http.MethodPost, "/messages/"+msgID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancel", decodeBody(t, rec)["state"])

	op.cancelErr = messaging.ErrInvalidTransition
	rec = doRequest(h, http.MethodPost, "/messages/"+msgID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncMembers(t *testing.T) {
	added := uuid.New()
	op := &fakeOperator{
		conv:   &messaging.Conversation{ID: uuid.New(), Kind: messaging.KindGroup, Roster: []uuid.UUID{added}},
		change: messaging.MembershipChange{Added: []uuid.UUID{added}},
	}
	h := newMessagesRouter(MessagesConfig{Reconciler: op})
	rec := doRequest(h, http.MethodPost, "/conversations/"+op.conv.ID.String()+"/sync-members", "")

	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, []any{added.String()}, out["added"])
	assert.Equal(t, []any{}, out["removed"])
}

func TestMarkRead(t *testing.T) {
	op := &fakeOperator{}
	h := newMessagesRouter(MessagesConfig{Reconciler: op})
	rec := doRequest(h, http.MethodPost, "/conversations/"+uuid.NewString()+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	op.readErr = messaging.ErrConversationNotFound
	rec = doRequest(h, http.MethodPost, "/conversations/"+uuid.NewString()+"/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadIncludesRecentUpdates(t *testing.T) {
	convID := uuid.New()
	op := &fakeOperator{entries: []messaging.ThreadEntry{{ID: uuid.New(), ConversationID: convID, Body: "hola"}}}
	history := fakeHistory{updates: []messaging.FeedUpdate{{Type: messaging.FeedEntryPosted, ConversationID: convID}}}
	h := newMessagesRouter(MessagesConfig{Reconciler: op, History: history})

	rec := doRequest(h, http.MethodGet, "/conversations/"+convID.String()+"/thread?limit=900", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxThreadLimit, op.threadSize)
	out := decodeBody(t, rec)
	assert.Len(t, out["entries"], 1)
	assert.Len(t, out["recent_updates"], 1)
}

func TestThreadWithoutHistory(t *testing.T) {
	op := &fakeOperator{}
	h := newMessagesRouter(MessagesConfig{Reconciler: op, History: fakeHistory{err: errors.New("redis down")}})

	rec := doRequest(h, http.MethodGet, "/conversations/"+uuid.NewString()+"/thread", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultThreadLimit, op.threadSize)
	out := decodeBody(t, rec)
	assert.Equal(t, []any{}, out["entries"])
	assert.NotContains(t, out, "recent_updates")

	rec = doRequest(h, http.MethodGet, "/conversations/"+uuid.NewString()+"/thread?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditTrail(t *testing.T) {
	convID := uuid.New()
	auditor := &fakeAudit{events: []audit.Event{{ID: "1", Action: messaging.AuditSendFailed}}}
	h := newMessagesRouter(MessagesConfig{Reconciler: &fakeOperator{}, Audit: auditor})

	rec := doRequest(h, http.MethodGet, "/conversations/"+convID.String()+"/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, convID.String(), auditor.filter.ConversationID)
	assert.Len(t, decodeBody(t, rec)["events"], 1)

	h = newMessagesRouter(MessagesConfig{Reconciler: &fakeOperator{}})
	rec = doRequest(h, http.MethodGet, "/conversations/"+convID.String()+"/audit", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshContact(t *testing.T) {
	contact := &messaging.Contact{ID: uuid.New(), Phone: "+5491123456789", DisplayName: "Ana", IsBusiness: true}
	h := newMessagesRouter(MessagesConfig{Reconciler: &fakeOperator{contact: contact}})

	rec := doRequest(h, http.MethodPost, "/contacts/"+contact.ID.String()+"/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, "Ana", out["display_name"])
	assert.Equal(t, true, out["is_business"])
}

func TestLiveWithoutFeed(t *testing.T) {
	h := newMessagesRouter(MessagesConfig{Reconciler: &fakeOperator{}})
	rec := doRequest(h, http.MethodGet, "/conversations/"+uuid.NewString()+"/live", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
