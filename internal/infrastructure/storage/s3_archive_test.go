package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/pkg/config"
)

type memoryObjects struct {
	objects map[string]string
	types   map[string]string
}

func (m *memoryObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[key] = string(b)
	m.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func newStore(t *testing.T) (*S3ArchiveStore, *memoryObjects) {
	t.Helper()
	fake := &memoryObjects{objects: map[string]string{}, types: map[string]string{}}
	store, err := NewS3ArchiveStore(context.Background(),
		config.ArchiveConfig{Bucket: "fiscal", Prefix: "/nfe/"},
		WithClient(fake),
	)
	require.NoError(t, err)
	return store, fake
}

func TestS3ArchiveStore_PutGet(t *testing.T) {
	store, fake := newStore(t)
	const key = "35240112345678000195550010000000421123456781"
	const xml = `<?xml version="1.0" encoding="UTF-8"?><nfeProc versao="4.00"/>`

	require.NoError(t, store.Put(context.Background(), key, "nfeProc", xml))
	assert.Equal(t, xml, fake.objects["fiscal/nfe/"+key+"/nfeProc.xml"])
	assert.Equal(t, xmlContentType, fake.types["fiscal/nfe/"+key+"/nfeProc.xml"])

	got, err := store.Get(context.Background(), key, "nfeProc")
	require.NoError(t, err)
	assert.Equal(t, xml, got)
}

func TestS3ArchiveStore_GetAusente(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Get(context.Background(), "x", "nfeProc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewS3ArchiveStore_SinBucket(t *testing.T) {
	_, err := NewS3ArchiveStore(context.Background(), config.ArchiveConfig{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
