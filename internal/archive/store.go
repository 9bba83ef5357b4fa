package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store keeps media and avatar blobs in S3 and returns s3:// references.
type Store struct {
	bucket   string
	prefix   string
	s3Client S3API
	logger   *logging.Logger
}

var _ messaging.BlobStore = (*Store)(nil)

// NewStore creates a blob Store. If bucket is empty, Put fails with
// ErrDisabled.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("archive: blob store disabled")

// WithPrefix namespaces every key, e.g. per environment.
func (s *Store) WithPrefix(prefix string) *Store {
	s.prefix = strings.Trim(prefix, "/")
	return s
}

// Enabled returns true if a bucket and client are configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Put uploads data under key and returns its reference.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	key, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Debug("stored blob", "s3_key", key, "size", len(data), "content_type", contentType)
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *Store) objectKey(key string) (string, error) {
	key = strings.TrimLeft(path.Clean("/"+strings.TrimSpace(key)), "/")
	if key == "" {
		return "", errors.New("archive: key required")
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key, nil
}

// MemoryStore is a BlobStore for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ messaging.BlobStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("archive: key required")
	}
	copied := append([]byte(nil), data...)
	m.mu.Lock()
	m.objects[key] = memoryObject{data: copied, contentType: contentType}
	m.mu.Unlock()
	return "mem://" + key, nil
}

// Get returns a stored object by key.
func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[strings.TrimPrefix(key, "mem://")]
	return obj.data, obj.contentType, ok
}
