package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/wolfman30/waha-bridge/internal/events"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return &Store{pool: mock}, mock
}

func TestStoreGetAccountBySession(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM accounts WHERE session = \\$1").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "session", "name", "base_url", "api_key", "status",
			"webhook_verify_token", "notify_emails", "phone_uid", "created_at", "updated_at",
		}).AddRow(id, "s1", "Main", "http://waha:3000", "key", "connected", "tok", []string{"ops@example.com"}, "", now, now))

	account, err := store.GetAccountBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.ID != id || account.Status != AccountConnected || len(account.NotifyEmails) != 1 {
		t.Fatalf("unexpected account %+v", account)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreFindContactNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	accountID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM contacts WHERE account_id = \\$1 AND phone = \\$2").
		WithArgs(accountID, "5491123456789").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindContact(context.Background(), accountID, "5491123456789")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreInsertMessageConflict(t *testing.T) {
	store, mock := newMockStore(t)
	msg := &Message{
		AccountID:      uuid.New(),
		ConversationID: uuid.New(),
		ContactID:      uuid.New(),
		Direction:      DirectionInbound,
		Kind:           ContentText,
		State:          StateReceived,
		Body:           "hi",
		ExternalID:     "m1",
	}
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), msg.AccountID, msg.ConversationID, pgxmock.AnyArg(), "inbound", "text", "received",
			"", "", "hi", "m1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	created, err := store.InsertMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created {
		t.Fatalf("conflicting insert should report created=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreInsertMessageCreated(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))

	msg := &Message{Direction: DirectionOutbound, Kind: ContentText, State: StateOutgoing, Body: "hello"}
	ok, err := store.InsertMessage(context.Background(), msg)
	if err != nil || !ok {
		t.Fatalf("expected insert, got %v / %v", ok, err)
	}
	if msg.ID == uuid.Nil || !msg.CreatedAt.Equal(created) {
		t.Fatalf("insert should assign id and created_at, got %+v", msg)
	}
}

func TestStoreUpdateMessageDuplicateExternalID(t *testing.T) {
	store, mock := newMockStore(t)
	msg := &Message{ID: uuid.New(), State: StateSent, ExternalID: "wa-999"}
	mock.ExpectExec("UPDATE messages").
		WithArgs(msg.ID, "sent", "", "", "wa-999", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.UpdateMessage(context.Background(), msg)
	if !errors.Is(err, ErrDuplicateExternalID) {
		t.Fatalf("expected ErrDuplicateExternalID, got %v", err)
	}
}

func TestStoreUpdateMessageMissing(t *testing.T) {
	store, mock := newMockStore(t)
	msg := &Message{ID: uuid.New(), State: StateDelivered}
	mock.ExpectExec("UPDATE messages").
		WithArgs(msg.ID, "delivered", "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := store.UpdateMessage(context.Background(), msg); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreWithTxRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET unread_count = unread_count \\+ 1").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithTx(context.Background(), func(tx Repository) error {
		if err := tx.IncrementUnread(context.Background(), id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreWithTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET unread_count = 0").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := store.WithTx(context.Background(), func(tx Repository) error {
		return tx.ResetUnread(context.Background(), id)
	}); err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type envelopeWithCorrelation string

func (want envelopeWithCorrelation) Match(v any) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var env events.Envelope
	return json.Unmarshal(raw, &env) == nil && env.CorrelationID == string(want)
}

func TestStoreAppendEventCarriesCorrelation(t *testing.T) {
	store, mock := newMockStore(t)
	msgID := uuid.New()
	aggregate := events.Aggregate("message", msgID)
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), aggregate, "messaging.message.sent.v1", envelopeWithCorrelation("req-9")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := events.WithCorrelation(context.Background(), "req-9")
	if err := store.AppendEvent(ctx, aggregate, events.MessageSentV1{MessageID: msgID.String()}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// seededLookups answers the read side of an inbound reconciliation from
// fixed records so the mock only sees the transaction's writes.
type seededLookups struct {
	Repository
	contact *Contact
	conv    *Conversation
}

func (s *seededLookups) WithTx(ctx context.Context, fn func(Repository) error) error {
	return s.Repository.WithTx(ctx, func(tx Repository) error {
		return fn(&seededLookups{Repository: tx, contact: s.contact, conv: s.conv})
	})
}

func (s *seededLookups) FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	return nil, missing("find message by external id")
}

func (s *seededLookups) FindContact(ctx context.Context, accountID uuid.UUID, phone string) (*Contact, error) {
	c := *s.contact
	return &c, nil
}

func (s *seededLookups) FindConversation(ctx context.Context, accountID uuid.UUID, chatID string) (*Conversation, error) {
	c := *s.conv
	return &c, nil
}

func TestStoreInboundWritesEntryBeforeMessage(t *testing.T) {
	store, mock := newMockStore(t)
	account := &Account{ID: uuid.New(), Session: "s1", Status: AccountConnected}
	contact := &Contact{ID: uuid.New(), AccountID: account.ID, Phone: "5491123456789", ChatID: "5491123456789@c.us", DisplayName: "Ana"}
	conv := &Conversation{ID: uuid.New(), AccountID: account.ID, ChatID: contact.ChatID, Kind: KindIndividual, ContactID: &contact.ID}
	repo := &seededLookups{Repository: store, contact: contact, conv: conv}

	gateways := StaticGateway(newFakeGateway())
	identities := NewIdentityResolver(repo, gateways, newMemoryBlobs(), testLogger())
	conversations := NewConversationResolver(repo, gateways, identities, "system", testLogger())
	reconciler := NewReconciler(repo, gateways, identities, conversations, testLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO thread_entries").
		WithArgs(pgxmock.AnyArg(), conv.ID, pgxmock.AnyArg(), contact.AuthorRef(), "hola", pgxmock.AnyArg(), true).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), account.ID, conv.ID, pgxmock.AnyArg(), "inbound", "text", "received",
			"", "", "hola", "wa-in-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("UPDATE conversations\\s+SET last_activity_at").
		WithArgs(conv.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE conversations SET unread_count = unread_count \\+ 1").
		WithArgs(conv.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), events.Aggregate("conversation", conv.ID), "messaging.message.received.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	msg, err := reconciler.ReconcileInbound(context.Background(), InboundEvent{
		ExternalID: "wa-in-1",
		ChatID:     contact.ChatID,
		Body:       "hola",
		Timestamp:  now,
	}, account)
	if err != nil {
		t.Fatalf("reconcile inbound: %v", err)
	}
	if msg.ThreadEntryID == nil || *msg.ThreadEntryID == uuid.Nil {
		t.Fatal("message should reference its thread entry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("statements out of order: %v", err)
	}
}

func TestStoreInsertMessageDanglingEntry(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "messages_thread_entry_id_fkey"})

	entry := uuid.New()
	msg := &Message{Direction: DirectionOutbound, Kind: ContentText, State: StateOutgoing, Body: "hello", ThreadEntryID: &entry}
	if _, err := store.InsertMessage(context.Background(), msg); !errors.Is(err, ErrDanglingThreadEntry) {
		t.Fatalf("expected ErrDanglingThreadEntry, got %v", err)
	}
}
