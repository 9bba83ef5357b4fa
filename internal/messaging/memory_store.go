package messaging

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/internal/events"
)

// RecordedEvent is an outbox event captured by MemoryStore.
type RecordedEvent struct {
	Aggregate string
	Event     events.CanonicalEvent
}

type memoryState struct {
	accounts      map[uuid.UUID]Account
	contacts      map[uuid.UUID]Contact
	conversations map[uuid.UUID]Conversation
	messages      map[uuid.UUID]Message
	entries       map[uuid.UUID]ThreadEntry
	events        []RecordedEvent
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		accounts:      make(map[uuid.UUID]Account, len(s.accounts)),
		contacts:      make(map[uuid.UUID]Contact, len(s.contacts)),
		conversations: make(map[uuid.UUID]Conversation, len(s.conversations)),
		messages:      make(map[uuid.UUID]Message, len(s.messages)),
		entries:       make(map[uuid.UUID]ThreadEntry, len(s.entries)),
		events:        slices.Clone(s.events),
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.contacts {
		out.contacts[k] = v
	}
	for k, v := range s.conversations {
		out.conversations[k] = cloneConversation(v)
	}
	for k, v := range s.messages {
		out.messages[k] = v
	}
	for k, v := range s.entries {
		v.Attachments = slices.Clone(v.Attachments)
		out.entries[k] = v
	}
	return out
}

func cloneConversation(c Conversation) Conversation {
	c.Roster = slices.Clone(c.Roster)
	c.ThreadMembers = slices.Clone(c.ThreadMembers)
	return c
}

// MemoryStore is an in-process Repository for local runs and tests.
// Transactions are serialized and roll back by restoring a snapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state memoryState
	now   func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			accounts:      map[uuid.UUID]Account{},
			contacts:      map[uuid.UUID]Contact{},
			conversations: map[uuid.UUID]Conversation{},
			messages:      map[uuid.UUID]Message{},
			entries:       map[uuid.UUID]ThreadEntry{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// PutAccount seeds or replaces an account.
func (m *MemoryStore) PutAccount(a Account) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	a.UpdatedAt = m.now()
	m.state.accounts[a.ID] = a
	return &a
}

// Events returns the outbox events appended so far.
func (m *MemoryStore) Events() []RecordedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.events)
}

// Counts reports the number of messages and thread entries.
func (m *MemoryStore) Counts() (messages, entries int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.messages), len(m.state.entries)
}

// Contacts lists every stored contact.
func (m *MemoryStore) Contacts() []Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Contact, 0, len(m.state.contacts))
	for _, c := range m.state.contacts {
		out = append(out, c)
	}
	return out
}

// Conversations lists every stored conversation.
func (m *MemoryStore) Conversations() []Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Conversation, 0, len(m.state.conversations))
	for _, c := range m.state.conversations {
		out = append(out, cloneConversation(c))
	}
	return out
}

// EntriesForMessage lists thread entries pointing at a message.
func (m *MemoryStore) EntriesForMessage(id uuid.UUID) []ThreadEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ThreadEntry
	for _, e := range m.state.entries {
		if e.MessageID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	if err := fn(memoryTx{m}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// memoryTx runs nested WithTx calls inline.
type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) WithTx(ctx context.Context, fn func(Repository) error) error {
	return fn(t)
}

func (m *MemoryStore) AppendEvent(ctx context.Context, aggregate string, evt events.CanonicalEvent) error {
	if _, err := events.NewEnvelope(ctx, aggregate, evt); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.events = append(m.state.events, RecordedEvent{Aggregate: aggregate, Event: evt})
	return nil
}

func missing(what string) error {
	return fmt.Errorf("messaging: %s: %w", what, ErrNotFound)
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.state.accounts[id]
	if !ok {
		return nil, missing("get account")
	}
	return &a, nil
}

func (m *MemoryStore) GetAccountBySession(ctx context.Context, session string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.state.accounts {
		if a.Session == session {
			return &a, nil
		}
	}
	return nil, missing("get account by session")
}

func (m *MemoryStore) ListAccountsByStatus(ctx context.Context, statuses ...AccountStatus) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, a := range m.state.accounts {
		if slices.Contains(statuses, a.Status) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out, nil
}

func (m *MemoryStore) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus, phoneUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.accounts[id]
	if !ok {
		return missing("update account status")
	}
	a.Status = status
	if phoneUID != "" {
		a.PhoneUID = phoneUID
	}
	a.UpdatedAt = m.now()
	m.state.accounts[id] = a
	return nil
}

func (m *MemoryStore) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.state.contacts[id]
	if !ok {
		return nil, missing("get contact")
	}
	return &c, nil
}

func (m *MemoryStore) FindContact(ctx context.Context, accountID uuid.UUID, phone string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.state.contacts {
		if c.AccountID == accountID && c.Phone == phone {
			return &c, nil
		}
	}
	return nil, missing("find contact")
}

func (m *MemoryStore) InsertContact(ctx context.Context, c *Contact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.contacts {
		if existing.AccountID == c.AccountID && existing.Phone == c.Phone {
			return false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.state.contacts[c.ID] = *c
	return true, nil
}

func (m *MemoryStore) UpdateContact(ctx context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.contacts[c.ID]; !ok {
		return missing("update contact")
	}
	c.UpdatedAt = m.now()
	m.state.contacts[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.state.conversations[id]
	if !ok {
		return nil, missing("get conversation")
	}
	c = cloneConversation(c)
	return &c, nil
}

func (m *MemoryStore) FindConversation(ctx context.Context, accountID uuid.UUID, chatID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.state.conversations {
		if c.AccountID == accountID && c.ChatID == chatID {
			c = cloneConversation(c)
			return &c, nil
		}
	}
	return nil, missing("find conversation")
}

func (m *MemoryStore) InsertConversation(ctx context.Context, c *Conversation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.conversations {
		if existing.AccountID == c.AccountID && existing.ChatID == c.ChatID {
			return false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.state.conversations[c.ID] = cloneConversation(*c)
	return true, nil
}

func (m *MemoryStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.state.conversations[c.ID]
	if !ok {
		return missing("update conversation")
	}
	current.Name = c.Name
	current.Description = c.Description
	current.ContactID = c.ContactID
	current.Roster = slices.Clone(c.Roster)
	current.ThreadMembers = slices.Clone(c.ThreadMembers)
	current.UpdatedAt = m.now()
	m.state.conversations[c.ID] = current
	return nil
}

func (m *MemoryStore) mutateConversation(id uuid.UUID, what string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.conversations[id]
	if !ok {
		return missing(what)
	}
	fn(&c)
	c.UpdatedAt = m.now()
	m.state.conversations[id] = c
	return nil
}

func (m *MemoryStore) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.mutateConversation(id, "touch conversation", func(c *Conversation) {
		c.LastActivityAt = &at
		c.MessageCount++
	})
}

func (m *MemoryStore) IncrementUnread(ctx context.Context, id uuid.UUID) error {
	return m.mutateConversation(id, "increment unread", func(c *Conversation) { c.UnreadCount++ })
}

func (m *MemoryStore) ResetUnread(ctx context.Context, id uuid.UUID) error {
	return m.mutateConversation(id, "reset unread", func(c *Conversation) { c.UnreadCount = 0 })
}

func (m *MemoryStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.state.messages[id]
	if !ok {
		return nil, missing("get message")
	}
	return &msg, nil
}

func (m *MemoryStore) FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if externalID == "" {
		return nil, missing("find message by external id")
	}
	for _, msg := range m.state.messages {
		if msg.ExternalID == externalID {
			return &msg, nil
		}
	}
	return nil, missing("find message by external id")
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ExternalID != "" {
		for _, existing := range m.state.messages {
			if existing.ExternalID == msg.ExternalID {
				return false, nil
			}
		}
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if _, exists := m.state.messages[msg.ID]; exists {
		return false, nil
	}
	if err := m.checkEntryRef(msg); err != nil {
		return false, fmt.Errorf("messaging: insert message %s: %w", msg.ID, err)
	}
	msg.CreatedAt = m.now()
	msg.UpdatedAt = msg.CreatedAt
	m.state.messages[msg.ID] = *msg
	return true, nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.state.messages[msg.ID]
	if !ok {
		return missing("update message")
	}
	if msg.ExternalID != "" && msg.ExternalID != current.ExternalID {
		for id, other := range m.state.messages {
			if id != msg.ID && other.ExternalID == msg.ExternalID {
				return fmt.Errorf("messaging: update message %s: %w", msg.ID, ErrDuplicateExternalID)
			}
		}
	}
	if err := m.checkEntryRef(msg); err != nil {
		return fmt.Errorf("messaging: update message %s: %w", msg.ID, err)
	}
	current.State = msg.State
	current.FailureType = msg.FailureType
	current.FailureReason = msg.FailureReason
	if msg.ExternalID != "" {
		current.ExternalID = msg.ExternalID
	}
	current.ThreadEntryID = msg.ThreadEntryID
	current.SentAt = msg.SentAt
	current.DeliveredAt = msg.DeliveredAt
	current.ReadAt = msg.ReadAt
	current.UpdatedAt = m.now()
	m.state.messages[msg.ID] = current
	return nil
}

func (m *MemoryStore) InsertThreadEntry(ctx context.Context, e *ThreadEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.now()
	stored := *e
	stored.Attachments = slices.Clone(e.Attachments)
	m.state.entries[e.ID] = stored
	return nil
}

func (m *MemoryStore) DeleteThreadEntry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.entries, id)
	for msgID, msg := range m.state.messages {
		if msg.ThreadEntryID != nil && *msg.ThreadEntryID == id {
			msg.ThreadEntryID = nil
			m.state.messages[msgID] = msg
		}
	}
	return nil
}

// checkEntryRef mirrors the messages.thread_entry_id foreign key. Callers
// hold m.mu.
func (m *MemoryStore) checkEntryRef(msg *Message) error {
	if msg.ThreadEntryID == nil {
		return nil
	}
	if _, ok := m.state.entries[*msg.ThreadEntryID]; !ok {
		return fmt.Errorf("%w: thread entry %s", ErrDanglingThreadEntry, *msg.ThreadEntryID)
	}
	return nil
}

func (m *MemoryStore) AddAttachment(ctx context.Context, entryID uuid.UUID, a Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.entries[entryID]
	if !ok {
		return missing("add attachment")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	e.Attachments = append(slices.Clone(e.Attachments), a)
	m.state.entries[entryID] = e
	return nil
}

func (m *MemoryStore) ListThreadEntries(ctx context.Context, conversationID uuid.UUID, limit int) ([]ThreadEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ThreadEntry
	for _, e := range m.state.entries {
		if e.ConversationID == conversationID {
			e.Attachments = slices.Clone(e.Attachments)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
