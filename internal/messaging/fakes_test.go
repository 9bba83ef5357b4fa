package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

type sentText struct {
	ChatID  string
	Text    string
	ReplyTo string
}

type fakeGateway struct {
	mu sync.Mutex

	sendID  string
	sendErr error
	texts   []sentText
	media   []MediaPayload

	contacts   map[string]*ContactInfo
	contactErr error
	groups     map[string]*GroupInfo
	groupErr   error
	avatars    map[string]string
	downloads  map[string][]byte
	lookups    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sendID:    "wa-999",
		contacts:  map[string]*ContactInfo{},
		groups:    map[string]*GroupInfo{},
		avatars:   map[string]string{},
		downloads: map[string][]byte{},
	}
}

func (g *fakeGateway) SendText(ctx context.Context, chatID, text, replyTo string) (SendReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, sentText{ChatID: chatID, Text: text, ReplyTo: replyTo})
	if g.sendErr != nil {
		return SendReceipt{}, g.sendErr
	}
	return SendReceipt{ExternalID: g.sendID}, nil
}

func (g *fakeGateway) SendMedia(ctx context.Context, chatID string, media MediaPayload) (SendReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.media = append(g.media, media)
	if g.sendErr != nil {
		return SendReceipt{}, g.sendErr
	}
	return SendReceipt{ExternalID: g.sendID}, nil
}

func (g *fakeGateway) GetContact(ctx context.Context, phone string) (*ContactInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.contactErr != nil {
		return nil, g.contactErr
	}
	return g.contacts[phone], nil
}

func (g *fakeGateway) GetGroupInfo(ctx context.Context, chatID string) (*GroupInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groupErr != nil {
		return nil, g.groupErr
	}
	return g.groups[chatID], nil
}

func (g *fakeGateway) GetContactAvatarURL(ctx context.Context, contactID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.avatars[contactID], nil
}

func (g *fakeGateway) Download(ctx context.Context, url string) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.downloads[url]
	if !ok {
		return nil, "", fmt.Errorf("download %s: not found", url)
	}
	return data, "image/jpeg", nil
}

func (g *fakeGateway) sentTexts() []sentText {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentText(nil), g.texts...)
}

type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{blobs: map[string][]byte{}}
}

func (b *memoryBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.blobs[key] = data
	return "mem://" + key, nil
}

type recordingFeed struct {
	mu      sync.Mutex
	updates []FeedUpdate
}

func (f *recordingFeed) Publish(ctx context.Context, update FeedUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *recordingFeed) types() []FeedEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedEventType, 0, len(f.updates))
	for _, u := range f.updates {
		out = append(out, u.Type)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []MediaJob
	err  error
}

func (s *recordingScheduler) Schedule(ctx context.Context, job MediaJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// failingRepo wraps a MemoryStore and fails one operation on demand.
type failingRepo struct {
	*MemoryStore
	failThreadEntry bool
	staleLookups    int
}

// FindMessageByExternalID misses staleLookups times, like a read that ran
// before a concurrent delivery committed.
func (f *failingRepo) FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	if f.staleLookups > 0 {
		f.staleLookups--
		return nil, missing("find message by external id")
	}
	return f.MemoryStore.FindMessageByExternalID(ctx, externalID)
}

func (f *failingRepo) InsertThreadEntry(ctx context.Context, e *ThreadEntry) error {
	if f.failThreadEntry {
		return errors.New("thread entry write failed")
	}
	return f.MemoryStore.InsertThreadEntry(ctx, e)
}

func (f *failingRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	return f.MemoryStore.WithTx(ctx, func(Repository) error { return fn(f) })
}

type harness struct {
	store      *MemoryStore
	gateway    *fakeGateway
	blobs      *memoryBlobs
	feed       *recordingFeed
	audit      *recordingAudit
	media      *recordingScheduler
	account    *Account
	reconciler *Reconciler
	tracker    *StatusTracker
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter("error", io.Discard)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		gateway: newFakeGateway(),
		blobs:   newMemoryBlobs(),
		feed:    &recordingFeed{},
		audit:   &recordingAudit{},
		media:   &recordingScheduler{},
	}
	h.account = h.store.PutAccount(Account{Session: "s1", Name: "Main", Status: AccountConnected})
	h.build(h.store)
	return h
}

func (h *harness) build(repo Repository) {
	gateways := StaticGateway(h.gateway)
	logger := testLogger()
	identities := NewIdentityResolver(repo, gateways, h.blobs, logger)
	conversations := NewConversationResolver(repo, gateways, identities, "system", logger)
	h.reconciler = NewReconciler(repo, gateways, identities, conversations, logger,
		WithThreadFeed(h.feed),
		WithAuditRecorder(h.audit),
		WithMediaScheduler(h.media),
	)
	h.tracker = NewStatusTracker(repo, h.feed, nil, logger)
}

func scenarioEvent(id string) InboundEvent {
	return InboundEvent{
		ExternalID: id,
		ChatID:     "549111@c.us",
		Body:       "hi",
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		Raw:        []byte(`{"id":"` + id + `","from":"549111@c.us","fromMe":false,"body":"hi","timestamp":1700000000}`),
	}
}

func (h *harness) seedIndividual(t *testing.T, phone string) (*Contact, *Conversation) {
	t.Helper()
	ctx := context.Background()
	contact := &Contact{AccountID: h.account.ID, Phone: phone, ChatID: ChatIDForPhone(phone), DisplayName: phone}
	if _, err := h.store.InsertContact(ctx, contact); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	conv := &Conversation{
		AccountID:     h.account.ID,
		ChatID:        ChatIDForPhone(phone),
		Kind:          KindIndividual,
		Name:          phone,
		ContactID:     &contact.ID,
		ThreadMembers: []string{contact.ID.String(), "system"},
	}
	if _, err := h.store.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return contact, conv
}

func mustMessage(t *testing.T, repo Repository, id uuid.UUID) *Message {
	t.Helper()
	msg, err := repo.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message %s: %v", id, err)
	}
	return msg
}
