package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// WAHAGateway adapts a wahaclient.Client to Gateway.
type WAHAGateway struct {
	client *wahaclient.Client
}

var _ Gateway = (*WAHAGateway)(nil)

func NewWAHAGateway(client *wahaclient.Client) *WAHAGateway {
	return &WAHAGateway{client: client}
}

// WAHAGatewayDefaults fills per-account gaps when building clients.
type WAHAGatewayDefaults struct {
	BaseURL string
	APIKey  string
	Config  wahaclient.Config
	Logger  *logging.Logger
}

// NewWAHAGatewayFactory builds cached WAHA gateways from account settings.
func NewWAHAGatewayFactory(defaults WAHAGatewayDefaults) *CachingGatewayFactory {
	return NewCachingGatewayFactory(func(account *Account) (Gateway, error) {
		cfg := defaults.Config
		cfg.Session = account.Session
		cfg.BaseURL = firstNonEmpty(account.BaseURL, defaults.BaseURL)
		cfg.APIKey = firstNonEmpty(account.APIKey, defaults.APIKey)
		if defaults.Logger != nil {
			cfg.Logger = defaults.Logger.Logger
		}
		client, err := wahaclient.New(cfg)
		if err != nil {
			return nil, err
		}
		return NewWAHAGateway(client), nil
	})
}

func (g *WAHAGateway) SendText(ctx context.Context, chatID, text, replyTo string) (SendReceipt, error) {
	res, err := g.client.SendText(ctx, chatID, text, replyTo)
	if err != nil {
		return SendReceipt{}, err
	}
	return receiptFrom(res)
}

var mediaKinds = map[ContentKind]wahaclient.MediaKind{
	ContentImage:    wahaclient.MediaImage,
	ContentVideo:    wahaclient.MediaVideo,
	ContentAudio:    wahaclient.MediaAudio,
	ContentDocument: wahaclient.MediaDocument,
}

func (g *WAHAGateway) SendMedia(ctx context.Context, chatID string, media MediaPayload) (SendReceipt, error) {
	kind, ok := mediaKinds[media.Kind]
	if !ok {
		return SendReceipt{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, media.Kind)
	}
	res, err := g.client.SendMedia(ctx, wahaclient.SendMediaRequest{
		Kind:   kind,
		ChatID: chatID,
		File: wahaclient.File{
			Mimetype: firstNonEmpty(media.Mimetype, media.Kind.DefaultMimetype()),
			Filename: firstNonEmpty(media.Filename, media.Kind.DefaultFilename()),
			Data:     base64.StdEncoding.EncodeToString(media.Data),
		},
		Caption: media.Caption,
	})
	if err != nil {
		return SendReceipt{}, err
	}
	return receiptFrom(res)
}

func receiptFrom(res *wahaclient.SendResult) (SendReceipt, error) {
	id := res.ExternalID()
	if id == "" {
		return SendReceipt{}, errors.New("messaging: gateway returned no message id")
	}
	return SendReceipt{ExternalID: id}, nil
}

func (g *WAHAGateway) GetContact(ctx context.Context, phone string) (*ContactInfo, error) {
	c, err := g.client.GetContact(ctx, phone)
	if errors.Is(err, wahaclient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ContactInfo{
		ID:                  c.ID.String(),
		Number:              c.Number,
		Name:                strings.TrimSpace(c.Name),
		PushName:            strings.TrimSpace(c.Push()),
		VerifiedName:        strings.TrimSpace(c.VerifiedName),
		IsBusiness:          c.IsBusiness,
		BusinessDescription: c.BusinessProfile.Description,
		BusinessCategory:    c.BusinessProfile.Category,
		BusinessWebsite:     c.BusinessProfile.WebsiteString(),
	}, nil
}

func (g *WAHAGateway) GetGroupInfo(ctx context.Context, chatID string) (*GroupInfo, error) {
	grp, err := g.client.GetGroup(ctx, chatID)
	if errors.Is(err, wahaclient.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info := &GroupInfo{
		ID:          firstNonEmpty(grp.ID.String(), chatID),
		Name:        grp.DisplayName(),
		Description: grp.About(),
	}
	for _, p := range grp.Participants {
		if id := p.ID.String(); id != "" {
			info.Participants = append(info.Participants, id)
		}
	}
	return info, nil
}

func (g *WAHAGateway) GetContactAvatarURL(ctx context.Context, contactID string) (string, error) {
	url, err := g.client.GetProfilePictureURL(ctx, contactID)
	if errors.Is(err, wahaclient.ErrNotFound) {
		return "", nil
	}
	return url, err
}

func (g *WAHAGateway) Download(ctx context.Context, url string) ([]byte, string, error) {
	return g.client.Download(ctx, url)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
