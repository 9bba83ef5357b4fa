package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client records PutObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	err      error
}

type putCall struct {
	bucket      string
	key         string
	contentType string
	body        []byte
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket:      aws.ToString(input.Bucket),
		key:         aws.ToString(input.Key),
		contentType: aws.ToString(input.ContentType),
		body:        body,
	})
	return &s3.PutObjectOutput{}, nil
}

func TestStore_Put(t *testing.T) {
	mock := &mockS3Client{}
	store := NewStore(mock, "media-bucket", nil)

	ref, err := store.Put(context.Background(), "media/acct/msg/photo.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "s3://media-bucket/media/acct/msg/photo.png", ref)

	require.Len(t, mock.putCalls, 1)
	assert.Equal(t, "media-bucket", mock.putCalls[0].bucket)
	assert.Equal(t, "image/png", mock.putCalls[0].contentType)
	assert.Equal(t, []byte("png"), mock.putCalls[0].body)
}

func TestStore_PutCleansKeysAndAppliesPrefix(t *testing.T) {
	mock := &mockS3Client{}
	store := NewStore(mock, "b", nil).WithPrefix("/prod/")

	ref, err := store.Put(context.Background(), "../avatars//a.jpg", []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "s3://b/prod/avatars/a.jpg", ref)
	assert.Equal(t, "application/octet-stream", mock.putCalls[0].contentType)

	_, err = store.Put(context.Background(), "  ", []byte("x"), "")
	assert.Error(t, err)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())

	_, err := store.Put(context.Background(), "k", []byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStore_PutWrapsErrors(t *testing.T) {
	store := NewStore(&mockS3Client{err: errors.New("access denied")}, "b", nil)
	_, err := store.Put(context.Background(), "k", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ref, err := store.Put(context.Background(), "avatars/a.jpg", []byte("jpg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "mem://avatars/a.jpg", ref)

	data, contentType, ok := store.Get(ref)
	require.True(t, ok)
	assert.Equal(t, []byte("jpg"), data)
	assert.Equal(t, "image/jpeg", contentType)

	_, err = store.Put(context.Background(), "", nil, "")
	assert.Error(t, err)
}
