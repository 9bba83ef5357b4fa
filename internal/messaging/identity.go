package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// IdentityResolver maps phone numbers and chat ids onto Contacts.
type IdentityResolver struct {
	repo     Repository
	gateways GatewayFactory
	blobs    BlobStore
	logger   *logging.Logger
	now      func() time.Time
}

func NewIdentityResolver(repo Repository, gateways GatewayFactory, blobs BlobStore, logger *logging.Logger) *IdentityResolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &IdentityResolver{
		repo:     repo,
		gateways: gateways,
		blobs:    blobs,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdentityResolver) withRepo(repo Repository) *IdentityResolver {
	cp := *r
	cp.repo = repo
	return &cp
}

// ResolveContact finds or creates the Contact for (phone, account). When
// participantOverride is set it identifies the sender instead of
// phoneOrChatID. Gateway enrichment is best effort; the only error surfaced
// besides store failures is ErrInvalidPhone.
func (r *IdentityResolver) ResolveContact(ctx context.Context, phoneOrChatID string, account *Account, participantOverride string) (*Contact, error) {
	if account == nil {
		return nil, errors.New("messaging: resolve contact: account required")
	}
	source := strings.TrimSpace(phoneOrChatID)
	if override := strings.TrimSpace(participantOverride); override != "" {
		source = override
	}
	if IsGroupChatID(source) {
		return nil, fmt.Errorf("%w: %q is a group chat id", ErrInvalidPhone, source)
	}
	phone, err := NormalizeIdentity(source)
	if err != nil {
		return nil, err
	}
	observed := ""
	if HasChatSuffix(source) {
		observed = CanonicalChatID(source)
	}

	existing, err := r.repo.FindContact(ctx, account.ID, phone)
	if err == nil {
		return r.upgradeChatID(ctx, existing, observed)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	contact := &Contact{
		AccountID:   account.ID,
		Phone:       phone,
		ChatID:      firstNonEmpty(observed, ChatIDForPhone(phone)),
		DisplayName: phone,
	}
	r.enrich(ctx, contact, account)

	created, err := r.repo.InsertContact(ctx, contact)
	if err != nil {
		return nil, err
	}
	if !created {
		winner, err := r.repo.FindContact(ctx, account.ID, phone)
		if err != nil {
			return nil, fmt.Errorf("messaging: re-read contact after conflict: %w", err)
		}
		return r.upgradeChatID(ctx, winner, observed)
	}
	r.logger.Debug("contact created", "contact_id", contact.ID, "account_id", account.ID, "phone", phone)
	return contact, nil
}

func (r *IdentityResolver) upgradeChatID(ctx context.Context, contact *Contact, observed string) (*Contact, error) {
	if !isRicherChatID(contact.ChatID, observed) {
		return contact, nil
	}
	previous := contact.ChatID
	contact.ChatID = observed
	if err := r.repo.UpdateContact(ctx, contact); err != nil {
		return nil, err
	}
	r.logger.Debug("contact chat id upgraded", "contact_id", contact.ID, "from", previous, "to", observed)
	return contact, nil
}

// Enrich refreshes gateway-provided details of an existing contact. A display
// name an operator already changed is kept.
func (r *IdentityResolver) Enrich(ctx context.Context, contactID uuid.UUID) (*Contact, error) {
	contact, err := r.repo.GetContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	account, err := r.repo.GetAccount(ctx, contact.AccountID)
	if err != nil {
		return nil, err
	}
	r.enrich(ctx, contact, account)
	if err := r.repo.UpdateContact(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (r *IdentityResolver) enrich(ctx context.Context, contact *Contact, account *Account) {
	if r.gateways == nil {
		return
	}
	gw, err := r.gateways.ForAccount(account)
	if err != nil {
		r.logger.Warn("contact enrichment skipped", "account_id", account.ID, "error", err)
		return
	}

	info, err := gw.GetContact(ctx, contact.Phone)
	if err != nil {
		r.logger.Warn("contact lookup failed", "phone", contact.Phone, "error", err)
	}
	if info != nil {
		if name := info.BestName(); name != "" && (contact.DisplayName == "" || contact.DisplayName == contact.Phone) {
			contact.DisplayName = name
		}
		if info.PushName != "" {
			contact.PushName = info.PushName
		}
		contact.IsBusiness = info.IsBusiness
		if info.IsBusiness {
			contact.BusinessDescription = info.BusinessDescription
			contact.BusinessCategory = info.BusinessCategory
			contact.BusinessWebsite = info.BusinessWebsite
		}
		if id := CanonicalChatID(info.ID); isRicherChatID(contact.ChatID, id) {
			contact.ChatID = id
		}
	}

	if ref := r.fetchAvatar(ctx, gw, contact, account); ref != "" {
		contact.AvatarRef = ref
	}
	now := r.now()
	contact.EnrichedAt = &now
}

func (r *IdentityResolver) fetchAvatar(ctx context.Context, gw Gateway, contact *Contact, account *Account) string {
	if r.blobs == nil {
		return ""
	}
	url, err := gw.GetContactAvatarURL(ctx, contact.TargetChatID())
	if err != nil {
		r.logger.Debug("avatar lookup failed", "phone", contact.Phone, "error", err)
		return ""
	}
	if url == "" {
		return ""
	}
	data, contentType, err := gw.Download(ctx, url)
	if err != nil {
		r.logger.Warn("avatar download failed", "phone", contact.Phone, "error", err)
		return ""
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	key := fmt.Sprintf("avatars/%s/%s", account.ID, contact.Phone)
	ref, err := r.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		r.logger.Warn("avatar store failed", "phone", contact.Phone, "error", err)
		return ""
	}
	return ref
}
