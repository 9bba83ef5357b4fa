package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// MediaJob asks for the payload of an inbound media message to be fetched
// and attached to its thread entry.
type MediaJob struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageID      uuid.UUID   `json:"message_id"`
	EntryID        uuid.UUID   `json:"entry_id"`
	Kind           ContentKind `json:"kind"`
	Data           string      `json:"data,omitempty"`
	URL            string      `json:"url,omitempty"`
	Mimetype       string      `json:"mimetype,omitempty"`
	Filename       string      `json:"filename,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MediaScheduler hands media jobs to whatever runs them.
type MediaScheduler interface {
	Schedule(ctx context.Context, job MediaJob) error
}

// MediaSchedulerFunc adapts a function to MediaScheduler.
type MediaSchedulerFunc func(ctx context.Context, job MediaJob) error

func (f MediaSchedulerFunc) Schedule(ctx context.Context, job MediaJob) error {
	return f(ctx, job)
}

// MediaAttacher decodes or downloads media, stores the blob and attaches it
// to the thread entry.
type MediaAttacher struct {
	repo     Repository
	gateways GatewayFactory
	blobs    BlobStore
	logger   *logging.Logger
}

func NewMediaAttacher(repo Repository, gateways GatewayFactory, blobs BlobStore, logger *logging.Logger) *MediaAttacher {
	if logger == nil {
		logger = logging.Default()
	}
	return &MediaAttacher{repo: repo, gateways: gateways, blobs: blobs, logger: logger}
}

// Attach runs one job.
func (a *MediaAttacher) Attach(ctx context.Context, job MediaJob) (*Attachment, error) {
	if a.blobs == nil {
		return nil, errors.New("messaging: attach media: no blob store configured")
	}
	data, contentType, err := a.fetch(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("messaging: attach media: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("messaging: attach media: empty payload for message %s", job.MessageID)
	}

	mimetype := firstNonEmpty(baseMimetype(job.Mimetype), baseMimetype(contentType), job.Kind.DefaultMimetype(), "application/octet-stream")
	filename := mediaFilename(job, mimetype)
	key := fmt.Sprintf("media/%s/%s/%s", job.AccountID, job.MessageID, filename)
	ref, err := a.blobs.Put(ctx, key, data, mimetype)
	if err != nil {
		return nil, fmt.Errorf("messaging: store media: %w", err)
	}

	attachment := Attachment{
		ID:       uuid.New(),
		BlobRef:  ref,
		Mimetype: mimetype,
		Filename: filename,
		Size:     int64(len(data)),
	}
	if err := a.repo.AddAttachment(ctx, job.EntryID, attachment); err != nil {
		return nil, err
	}
	a.logger.Debug("media attached", "message_id", job.MessageID, "entry_id", job.EntryID, "blob", ref, "size", attachment.Size)
	return &attachment, nil
}

func (a *MediaAttacher) fetch(ctx context.Context, job MediaJob) ([]byte, string, error) {
	if job.Data != "" {
		data, err := decodeInlineMedia(job.Data)
		return data, "", err
	}
	if job.URL == "" {
		return nil, "", errors.New("job has neither data nor url")
	}
	if a.gateways == nil {
		return nil, "", errors.New("no gateway configured for download")
	}
	account, err := a.repo.GetAccount(ctx, job.AccountID)
	if err != nil {
		return nil, "", err
	}
	gw, err := a.gateways.ForAccount(account)
	if err != nil {
		return nil, "", err
	}
	return gw.Download(ctx, job.URL)
}

// decodeInlineMedia accepts plain or data-URL base64, padded or not.
func decodeInlineMedia(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "data:") {
		if i := strings.Index(value, ","); i > 0 {
			value = value[i+1:]
		}
	}
	if data, err := base64.StdEncoding.DecodeString(value); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, fmt.Errorf("decode inline media: %w", err)
	}
	return data, nil
}

func mediaFilename(job MediaJob, mimetype string) string {
	name := path.Base(strings.TrimSpace(job.Filename))
	if name != "" && name != "." && name != "/" {
		return name
	}
	if def := job.Kind.DefaultFilename(); def != "" {
		return def
	}
	if kind := KindForMimetype(mimetype); kind.DefaultFilename() != "" {
		return kind.DefaultFilename()
	}
	return "attachment.bin"
}
