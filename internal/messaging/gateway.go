package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Gateway is the per-account WhatsApp gateway used by the reconciliation core.
// Lookups return (nil, nil) or ("", nil) when the gateway has nothing.
type Gateway interface {
	SendText(ctx context.Context, chatID, text, replyTo string) (SendReceipt, error)
	SendMedia(ctx context.Context, chatID string, media MediaPayload) (SendReceipt, error)
	GetContact(ctx context.Context, phone string) (*ContactInfo, error)
	GetGroupInfo(ctx context.Context, chatID string) (*GroupInfo, error)
	GetContactAvatarURL(ctx context.Context, contactID string) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// GatewayFactory returns the gateway for an account.
type GatewayFactory interface {
	ForAccount(account *Account) (Gateway, error)
}

// GatewayFactoryFunc adapts a function to GatewayFactory.
type GatewayFactoryFunc func(account *Account) (Gateway, error)

func (f GatewayFactoryFunc) ForAccount(account *Account) (Gateway, error) {
	return f(account)
}

// StaticGateway serves the same gateway for every account.
func StaticGateway(gw Gateway) GatewayFactory {
	return GatewayFactoryFunc(func(*Account) (Gateway, error) { return gw, nil })
}

// CachingGatewayFactory builds one gateway per account and reuses it while
// the account's session, base URL and key are unchanged.
type CachingGatewayFactory struct {
	build func(account *Account) (Gateway, error)

	mu    sync.Mutex
	cache map[uuid.UUID]cachedGateway
}

type cachedGateway struct {
	key string
	gw  Gateway
}

func NewCachingGatewayFactory(build func(account *Account) (Gateway, error)) *CachingGatewayFactory {
	return &CachingGatewayFactory{build: build, cache: map[uuid.UUID]cachedGateway{}}
}

func (f *CachingGatewayFactory) ForAccount(account *Account) (Gateway, error) {
	if account == nil {
		return nil, errors.New("messaging: account required")
	}
	key := account.Session + "|" + account.BaseURL + "|" + account.APIKey
	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[account.ID]; ok && cached.key == key {
		return cached.gw, nil
	}
	gw, err := f.build(account)
	if err != nil {
		return nil, fmt.Errorf("messaging: build gateway for %s: %w", account.Session, err)
	}
	f.cache[account.ID] = cachedGateway{key: key, gw: gw}
	return gw, nil
}

// BlobStore keeps avatars and media payloads.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
