package minio

import (
	"context"
	"io"
	"testing"

	"github.com/hupe1980/docudb/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucket := "test-docudb"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	if _, err = client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "ROUTING-000001.msgpack", data))

	got, err := blobstore.ReadAll(ctx, store, "ROUTING-000001.msgpack")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	blob, err := store.Open(ctx, "ROUTING-000001.msgpack")
	require.NoError(t, err)
	part := make([]byte, 5)
	n, err := blob.ReadAt(ctx, part, 6)
	require.NoError(t, err)
	assert.Equal(t, "minio", string(part[:n]))

	tail := make([]byte, 10)
	n, err = blob.ReadAt(ctx, tail, int64(len(data)-5))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world", string(tail[:n]))
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "ROUTING-")
	require.NoError(t, err)
	assert.Contains(t, names, "ROUTING-000001.msgpack")

	require.NoError(t, store.Delete(ctx, "ROUTING-000001.msgpack"))
	require.NoError(t, store.Delete(ctx, "ROUTING-000001.msgpack"))

	_, err = store.Open(ctx, "ROUTING-000001.msgpack")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
