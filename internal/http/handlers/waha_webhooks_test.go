package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type fakeAccounts struct {
	accounts map[string]*messaging.Account
	err      error
}

func (f *fakeAccounts) GetAccountBySession(_ context.Context, session string) (*messaging.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if a, ok := f.accounts[session]; ok {
		return a, nil
	}
	return nil, messaging.ErrAccountNotFound
}

type fakeProcessed struct {
	seen map[string]bool
}

func (f *fakeProcessed) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	return f.seen[provider+"/"+eventID], nil
}

func (f *fakeProcessed) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := provider + "/" + eventID
	already := f.seen[key]
	f.seen[key] = true
	return !already, nil
}

type fakeInbound struct {
	events []messaging.InboundEvent
	err    error
}

func (f *fakeInbound) ReconcileInbound(_ context.Context, evt messaging.InboundEvent, _ *messaging.Account) (*messaging.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, evt)
	return &messaging.Message{ID: uuid.New(), ExternalID: evt.ExternalID}, nil
}

type ackCall struct {
	externalID string
	code       int
}

type fakeAcks struct {
	calls []ackCall
	err   error
}

func (f *fakeAcks) ApplyAckByExternalID(_ context.Context, externalID string, code int) (*messaging.Message, error) {
	f.calls = append(f.calls, ackCall{externalID, code})
	if f.err != nil {
		return nil, f.err
	}
	return &messaging.Message{ExternalID: externalID}, nil
}

type fakeSessions struct {
	status   string
	phoneUID string
}

func (f *fakeSessions) ApplySessionStatus(_ context.Context, _ *messaging.Account, status, phoneUID string) (bool, error) {
	f.status = status
	f.phoneUID = phoneUID
	return true, nil
}

type webhookFixture struct {
	handler   *WAHAWebhookHandler
	accounts  *fakeAccounts
	processed *fakeProcessed
	inbound   *fakeInbound
	acks      *fakeAcks
	sessions  *fakeSessions
	registry  *prometheus.Registry
}

func newWebhookFixture(t *testing.T, hmacSecret string) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		accounts: &fakeAccounts{accounts: map[string]*messaging.Account{
			"default": {ID: uuid.New(), Session: "default", Status: messaging.AccountConnected, WebhookVerifyToken: "tok"},
		}},
		processed: &fakeProcessed{},
		inbound:   &fakeInbound{},
		acks:      &fakeAcks{},
		sessions:  &fakeSessions{},
		registry:  prometheus.NewRegistry(),
	}
	f.handler = NewWAHAWebhookHandler(WAHAWebhookConfig{
		Accounts:   f.accounts,
		Processed:  f.processed,
		Reconciler: f.inbound,
		Acks:       f.acks,
		Sessions:   f.sessions,
		HMACSecret: hmacSecret,
		Logger:     logging.New("error"),
		Metrics:    observemetrics.NewMessagingMetrics(f.registry),
	})
	return f
}

func (f *webhookFixture) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/waha", strings.NewReader(body))
	req.Header.Set(wahaclient.HeaderWebhookToken, "tok")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.Handle(rec, req)
	return rec
}

const inboundBody = `{"id":"evt-1","event":"message","session":"default","payload":{
	"id":"false_5491123456789@c.us_ABC","from":"5491123456789@c.us","fromMe":false,
	"body":"hola","timestamp":1700000000,"notifyName":"Ana"}}`

func TestWAHAWebhookInboundMessage(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(inboundBody, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.inbound.events, 1)
	evt := f.inbound.events[0]
	assert.Equal(t, "false_5491123456789@c.us_ABC", evt.ExternalID)
	assert.Equal(t, "5491123456789@c.us", evt.ChatID)
	assert.Equal(t, "hola", evt.Body)
	assert.Equal(t, "Ana", evt.SenderName)
	assert.Equal(t, int64(1700000000), evt.Timestamp.Unix())
	assert.True(t, f.processed.seen["waha/message:evt-1"])

	count, err := testutil.GatherAndCount(f.registry, "waha_bridge_messaging_webhook_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWAHAWebhookDuplicateDeliveryIsSkipped(t *testing.T) {
	f := newWebhookFixture(t, "")
	require.Equal(t, http.StatusOK, f.post(inboundBody, nil).Code)
	require.Equal(t, http.StatusOK, f.post(inboundBody, nil).Code)
	assert.Len(t, f.inbound.events, 1)
}

func TestWAHAWebhookFromMeUsesRecipientChat(t *testing.T) {
	f := newWebhookFixture(t, "")
	body := `{"id":"evt-2","event":"message.any","session":"default","payload":{
		"id":"true_5491123456789@c.us_XYZ","from":"15550001111@c.us","to":"5491123456789@c.us","fromMe":true,"body":"sent from phone",
		"replyTo":{"id":"false_5491123456789@c.us_ABC"}}}`
	rec := f.post(body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.inbound.events, 1)
	evt := f.inbound.events[0]
	assert.True(t, evt.FromMe)
	assert.Equal(t, "5491123456789@c.us", evt.ChatID)
	assert.Equal(t, "false_5491123456789@c.us_ABC", evt.ReplyToExternalID)
}

func TestWAHAWebhookMediaAndLocationHints(t *testing.T) {
	f := newWebhookFixture(t, "")
	body := `{"id":"evt-3","event":"message","session":"default","payload":{
		"id":"m-3","from":"5491123456789@c.us","hasMedia":true,"type":"image",
		"media":{"url":"http://waha/files/a.jpg","mimetype":"image/jpeg","filename":"a.jpg"},
		"location":{"latitude":-34.6,"longitude":-58.4,"description":"Obelisco"}}}`
	require.Equal(t, http.StatusOK, f.post(body, nil).Code)
	evt := f.inbound.events[0]
	assert.Equal(t, "image", evt.Hints.DeclaredType)
	assert.True(t, evt.Hints.HasMedia)
	assert.Equal(t, "image/jpeg", evt.Hints.Mimetype)
	require.NotNil(t, evt.Media)
	assert.Equal(t, "http://waha/files/a.jpg", evt.Media.URL)
	require.NotNil(t, evt.Location)
	assert.Equal(t, "Obelisco", evt.Location.Name)
}

func TestWAHAWebhookRejectsBadToken(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(inboundBody, map[string]string{wahaclient.HeaderWebhookToken: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.inbound.events)
}

func TestWAHAWebhookVerifiesHMAC(t *testing.T) {
	f := newWebhookFixture(t, "shh")

	rec := f.post(inboundBody, map[string]string{wahaclient.HeaderWebhookHMAC: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	mac := hmac.New(sha512.New, []byte("shh"))
	mac.Write([]byte(inboundBody))
	rec = f.post(inboundBody, map[string]string{wahaclient.HeaderWebhookHMAC: hex.EncodeToString(mac.Sum(nil))})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.inbound.events, 1)
}

func TestWAHAWebhookUnknownSession(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(`{"event":"message","session":"other","payload":{}}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWAHAWebhookAccountLookupFailure(t *testing.T) {
	f := newWebhookFixture(t, "")
	f.accounts.err = errors.New("db down")
	rec := f.post(inboundBody, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWAHAWebhookMalformedEnvelope(t *testing.T) {
	f := newWebhookFixture(t, "")
	assert.Equal(t, http.StatusBadRequest, f.post(`{"event":`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(`{"session":"default"}`, nil).Code)
}

func TestWAHAWebhookInvalidEventIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, "")
	f.inbound.err = messaging.ErrInvalidEvent
	rec := f.post(inboundBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.processed.seen["waha/message:evt-1"])
}

func TestWAHAWebhookUnprocessableChatsAreNotRetried(t *testing.T) {
	gateways := messaging.GatewayFactoryFunc(func(*messaging.Account) (messaging.Gateway, error) {
		return nil, errors.New("gateway not configured")
	})

	tests := []struct {
		name        string
		chatID      string
		participant string
	}{
		{name: "status broadcast", chatID: "status@broadcast", participant: "5491123456789@c.us"},
		{name: "newsletter", chatID: "120363000000000000@newsletter"},
		{name: "group without participant", chatID: "5491100000000-1600000000@g.us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := messaging.NewMemoryStore()
			identities := messaging.NewIdentityResolver(store, gateways, nil, logging.New("error"))
			conversations := messaging.NewConversationResolver(store, gateways, identities, "system", logging.New("error"))
			f := newWebhookFixture(t, "")
			f.handler.reconciler = messaging.NewReconciler(store, gateways, identities, conversations, logging.New("error"))

			body := `{"id":"evt-9","event":"message","session":"default","payload":{
				"id":"false_` + tt.chatID + `_ABC","from":"` + tt.chatID + `","participant":"` + tt.participant + `","body":"hola"}}`
			rec := f.post(body, nil)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.True(t, f.processed.seen["waha/message:evt-9"])
			messages, entries := store.Counts()
			assert.Zero(t, messages)
			assert.Zero(t, entries)

			// Redelivery is answered from the processed set.
			require.Equal(t, http.StatusOK, f.post(body, nil).Code)
		})
	}
}

func TestWAHAWebhookReconcileFailureIsRetryable(t *testing.T) {
	f := newWebhookFixture(t, "")
	f.inbound.err = errors.New("deadlock")
	rec := f.post(inboundBody, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.processed.seen)
}

func TestWAHAWebhookAck(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		calls  int
	}{
		{
			name:   "applied",
			body:   `{"id":"a1","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_1","ack":3}}`,
			status: http.StatusOK,
			calls:  1,
		},
		{
			name:   "unknown message is acknowledged",
			body:   `{"id":"a2","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_2","ack":2}}`,
			err:    messaging.ErrMessageNotFound,
			status: http.StatusOK,
			calls:  1,
		},
		{
			name:   "unknown ack code is acknowledged",
			body:   `{"id":"a3","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_3","ack":42}}`,
			err:    messaging.ErrUnknownAck,
			status: http.StatusOK,
			calls:  1,
		},
		{
			name:   "missing ack code",
			body:   `{"id":"a4","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_4"}}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "store failure",
			body:   `{"id":"a5","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_5","ack":1}}`,
			err:    errors.New("db down"),
			status: http.StatusInternalServerError,
			calls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, "")
			f.acks.err = tt.err
			rec := f.post(tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Len(t, f.acks.calls, tt.calls)
		})
	}
}

func TestWAHAWebhookAckPassesCode(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(`{"id":"a1","event":"message.ack","session":"default","payload":{"id":"true_x@c.us_1","ack":-1}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.acks.calls, 1)
	assert.Equal(t, ackCall{"true_x@c.us_1", -1}, f.acks.calls[0])
}

func TestWAHAWebhookSessionStatus(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(`{"event":"session.status","session":"default","payload":{"status":"WORKING","me":{"id":"15550001111@c.us"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WORKING", f.sessions.status)
	assert.Equal(t, "15550001111@c.us", f.sessions.phoneUID)
}

func TestWAHAWebhookIgnoresOtherEvents(t *testing.T) {
	f := newWebhookFixture(t, "")
	rec := f.post(`{"event":"presence.update","session":"default","payload":{}}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
