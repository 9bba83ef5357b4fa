package messaging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// ConversationResolver maps chat ids onto Conversations and keeps group
// rosters and thread membership in line with the gateway.
type ConversationResolver struct {
	repo                Repository
	gateways            GatewayFactory
	identities          *IdentityResolver
	systemParticipantID string
	logger              *logging.Logger
	now                 func() time.Time
}

func NewConversationResolver(repo Repository, gateways GatewayFactory, identities *IdentityResolver, systemParticipantID string, logger *logging.Logger) *ConversationResolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConversationResolver{
		repo:                repo,
		gateways:            gateways,
		identities:          identities,
		systemParticipantID: strings.TrimSpace(systemParticipantID),
		logger:              logger,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

func (r *ConversationResolver) withRepo(repo Repository) *ConversationResolver {
	cp := *r
	cp.repo = repo
	cp.identities = r.identities.withRepo(repo)
	return &cp
}

// SystemParticipantID is the author reference for entries the system posts.
func (r *ConversationResolver) SystemParticipantID() string {
	return r.systemParticipantID
}

// MembershipChange reports how SyncMembership altered a roster.
type MembershipChange struct {
	Added   []uuid.UUID
	Removed []uuid.UUID
}

func (c MembershipChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// ResolveConversation finds or creates the Conversation for (chatID, account).
// contact may be nil; individual chats then resolve it from chatID.
func (r *ConversationResolver) ResolveConversation(ctx context.Context, chatID string, account *Account, contact *Contact) (*Conversation, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("messaging: resolve conversation: chat id required")
	}
	if !IsGroupChatID(chatID) && HasChatSuffix(chatID) {
		chatID = CanonicalChatID(chatID)
	}

	existing, err := r.repo.FindConversation(ctx, account.ID, chatID)
	if err == nil {
		return r.linkContact(ctx, existing, contact)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv := &Conversation{
		AccountID: account.ID,
		ChatID:    chatID,
		Kind:      KindForChatID(chatID),
		Name:      chatID,
	}
	if conv.IsGroup() {
		if info := r.groupInfo(ctx, account, chatID); info != nil {
			if info.Name != "" {
				conv.Name = info.Name
			}
			conv.Description = info.Description
			conv.Roster = r.resolveRoster(ctx, account, info.Participants)
		}
	} else {
		if contact == nil {
			contact, err = r.identities.ResolveContact(ctx, chatID, account, "")
			if err != nil {
				return nil, err
			}
		}
		conv.ContactID = &contact.ID
		conv.Name = firstNonEmpty(contact.DisplayName, contact.Phone, chatID)
	}
	conv.ThreadMembers = r.threadMembers(conv)

	created, err := r.repo.InsertConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	if !created {
		winner, err := r.repo.FindConversation(ctx, account.ID, chatID)
		if err != nil {
			return nil, fmt.Errorf("messaging: re-read conversation after conflict: %w", err)
		}
		return r.linkContact(ctx, winner, contact)
	}
	r.logger.Debug("conversation created", "conversation_id", conv.ID, "chat_id", chatID, "kind", conv.Kind)
	return conv, nil
}

func (r *ConversationResolver) linkContact(ctx context.Context, conv *Conversation, contact *Contact) (*Conversation, error) {
	if conv.IsGroup() || contact == nil || conv.ContactID != nil {
		return conv, nil
	}
	conv.ContactID = &contact.ID
	conv.ThreadMembers = r.threadMembers(conv)
	if err := r.repo.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// SyncMembership replaces a group roster with the gateway's participant list
// and sets thread membership to exactly roster plus the system participant.
func (r *ConversationResolver) SyncMembership(ctx context.Context, conv *Conversation, account *Account) (MembershipChange, error) {
	previous := slices.Clone(conv.Roster)
	if conv.IsGroup() {
		gw, err := r.gateway(account)
		if err != nil {
			return MembershipChange{}, err
		}
		info, err := gw.GetGroupInfo(ctx, conv.ChatID)
		if err != nil {
			return MembershipChange{}, fmt.Errorf("messaging: sync membership: %w", err)
		}
		if info == nil {
			return MembershipChange{}, fmt.Errorf("messaging: sync membership: group %s: %w", conv.ChatID, ErrNotFound)
		}
		if info.Name != "" {
			conv.Name = info.Name
		}
		if info.Description != "" {
			conv.Description = info.Description
		}
		conv.Roster = r.resolveRoster(ctx, account, info.Participants)
	}
	conv.ThreadMembers = r.threadMembers(conv)
	if err := r.repo.UpdateConversation(ctx, conv); err != nil {
		return MembershipChange{}, err
	}
	return diffRoster(previous, conv.Roster), nil
}

// UpdateActivity stamps the conversation with ts (now when zero) and counts
// one more message. Every call counts.
func (r *ConversationResolver) UpdateActivity(ctx context.Context, conv *Conversation, ts time.Time) error {
	if ts.IsZero() {
		ts = r.now()
	}
	if err := r.repo.TouchConversation(ctx, conv.ID, ts); err != nil {
		return err
	}
	conv.LastActivityAt = &ts
	conv.MessageCount++
	return nil
}

func (r *ConversationResolver) IncrementUnread(ctx context.Context, conv *Conversation) error {
	if err := r.repo.IncrementUnread(ctx, conv.ID); err != nil {
		return err
	}
	conv.UnreadCount++
	return nil
}

// MarkRead clears the unread counter.
func (r *ConversationResolver) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	return r.repo.ResetUnread(ctx, conversationID)
}

func (r *ConversationResolver) gateway(account *Account) (Gateway, error) {
	if r.gateways == nil {
		return nil, errors.New("messaging: no gateway configured")
	}
	return r.gateways.ForAccount(account)
}

func (r *ConversationResolver) groupInfo(ctx context.Context, account *Account, chatID string) *GroupInfo {
	gw, err := r.gateway(account)
	if err != nil {
		r.logger.Warn("group lookup skipped", "chat_id", chatID, "error", err)
		return nil
	}
	info, err := gw.GetGroupInfo(ctx, chatID)
	if err != nil {
		r.logger.Warn("group lookup failed", "chat_id", chatID, "error", err)
		return nil
	}
	return info
}

func (r *ConversationResolver) resolveRoster(ctx context.Context, account *Account, participants []string) []uuid.UUID {
	roster := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		contact, err := r.identities.ResolveContact(ctx, p, account, "")
		if err != nil {
			r.logger.Warn("group participant skipped", "participant", p, "error", err)
			continue
		}
		if !slices.Contains(roster, contact.ID) {
			roster = append(roster, contact.ID)
		}
	}
	return roster
}

func (r *ConversationResolver) threadMembers(conv *Conversation) []string {
	var members []string
	if conv.IsGroup() {
		for _, id := range conv.Roster {
			members = append(members, id.String())
		}
	} else if conv.ContactID != nil {
		members = append(members, conv.ContactID.String())
	}
	if r.systemParticipantID != "" && !slices.Contains(members, r.systemParticipantID) {
		members = append(members, r.systemParticipantID)
	}
	return members
}

func diffRoster(before, after []uuid.UUID) MembershipChange {
	var change MembershipChange
	for _, id := range after {
		if !slices.Contains(before, id) {
			change.Added = append(change.Added, id)
		}
	}
	for _, id := range before {
		if !slices.Contains(after, id) {
			change.Removed = append(change.Removed, id)
		}
	}
	return change
}
