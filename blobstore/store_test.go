package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/docudb/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"memory": NewMemoryStore(),
		"local":  NewLocalStore(t.TempDir(), nil),
	}
}

func TestBlobStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Open(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, store.Put(ctx, "ROUTING-000001.msgpack", []byte("one")))
			require.NoError(t, store.Put(ctx, "ROUTING-000002.msgpack", []byte("two")))
			require.NoError(t, store.Put(ctx, "CURRENT", []byte("ROUTING-000002.msgpack")))
			require.NoError(t, store.Put(ctx, "empty", nil))

			data, err := ReadAll(ctx, store, "CURRENT")
			require.NoError(t, err)
			assert.Equal(t, "ROUTING-000002.msgpack", string(data))

			data, err = ReadAll(ctx, store, "empty")
			require.NoError(t, err)
			assert.Empty(t, data)

			// Overwrite is atomic and complete.
			require.NoError(t, store.Put(ctx, "CURRENT", []byte("ROUTING-000001.msgpack")))
			data, err = ReadAll(ctx, store, "CURRENT")
			require.NoError(t, err)
			assert.Equal(t, "ROUTING-000001.msgpack", string(data))

			names, err := store.List(ctx, "ROUTING-")
			require.NoError(t, err)
			assert.Equal(t, []string{"ROUTING-000001.msgpack", "ROUTING-000002.msgpack"}, names)

			b, err := store.Open(ctx, "ROUTING-000002.msgpack")
			require.NoError(t, err)
			assert.Equal(t, int64(3), b.Size())
			buf := make([]byte, 2)
			n, err := b.ReadAt(ctx, buf, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, "wo", string(buf))
			require.NoError(t, b.Close())

			require.NoError(t, store.Delete(ctx, "ROUTING-000001.msgpack"))
			require.NoError(t, store.Delete(ctx, "ROUTING-000001.msgpack"))
			names, err = store.List(ctx, "ROUTING-")
			require.NoError(t, err)
			assert.Equal(t, []string{"ROUTING-000002.msgpack"}, names)
		})
	}
}

func TestLocalStoreFailedPutKeepsOldBlob(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	store := NewLocalStore(t.TempDir(), ffs)

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("v1")))

	ffs.AddRule("CURRENT.tmp", fs.Fault{FailOnSync: true, FailAfterBytes: -1})
	require.ErrorIs(t, store.Put(ctx, "CURRENT", []byte("v2")), fs.ErrInjected)

	data, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT"}, names)
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	store := NewLocalStore(t.TempDir()+"/nope", nil)
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
