package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStoreRejectsDanglingThreadEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contact, conv := h.seedIndividual(t, "549111")

	missingEntry := uuid.New()
	msg := &Message{
		AccountID:      h.account.ID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Direction:      DirectionOutbound,
		Kind:           ContentText,
		State:          StateOutgoing,
		Body:           "hola",
		ThreadEntryID:  &missingEntry,
	}
	if _, err := h.store.InsertMessage(ctx, msg); !errors.Is(err, ErrDanglingThreadEntry) {
		t.Fatalf("expected ErrDanglingThreadEntry on insert, got %v", err)
	}

	msg.ThreadEntryID = nil
	if _, err := h.store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert without entry: %v", err)
	}
	msg.ThreadEntryID = &missingEntry
	if err := h.store.UpdateMessage(ctx, msg); !errors.Is(err, ErrDanglingThreadEntry) {
		t.Fatalf("expected ErrDanglingThreadEntry on update, got %v", err)
	}

	entry := &ThreadEntry{ConversationID: conv.ID, MessageID: msg.ID, AuthorRef: "system", Body: "hola", PostedAt: time.Now()}
	if err := h.store.InsertThreadEntry(ctx, entry); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	msg.ThreadEntryID = &entry.ID
	if err := h.store.UpdateMessage(ctx, msg); err != nil {
		t.Fatalf("link entry: %v", err)
	}

	if err := h.store.DeleteThreadEntry(ctx, entry.ID); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	stored := mustMessage(t, h.store, msg.ID)
	if stored.ThreadEntryID != nil {
		t.Fatalf("deleting the entry should clear the reference, got %v", *stored.ThreadEntryID)
	}
}
