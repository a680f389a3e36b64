package partition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/docudb/blobstore"
	"github.com/hupe1980/docudb/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMigrator keeps documents as encoded key -> partition in memory.
type memMigrator struct {
	mu   sync.Mutex
	docs map[ID]map[string]struct{}

	failMigrate error
	rollbacks   int
	cleanups    int
}

func newMemMigrator() *memMigrator {
	return &memMigrator{docs: make(map[ID]map[string]struct{})}
}

func (m *memMigrator) add(table *Table, key document.PartitionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := table.Route(key).ID
	if m.docs[id] == nil {
		m.docs[id] = make(map[string]struct{})
	}
	m.docs[id][string(key.Encode())] = struct{}{}
}

func (m *memMigrator) count(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[id])
}

func (m *memMigrator) SplitPoint(_ context.Context, parent Descriptor) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys [][]byte
	for k := range m.docs[parent.ID] {
		keys = append(keys, []byte(k))
	}
	return MedianSplitPoint(keys)
}

func (m *memMigrator) Migrate(_ context.Context, parent Descriptor, next *Table, children [2]Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range children {
		m.docs[c.ID] = make(map[string]struct{})
	}
	for k := range m.docs[parent.ID] {
		m.docs[next.RouteEncoded([]byte(k)).ID][k] = struct{}{}
	}
	return m.failMigrate
}

func (m *memMigrator) Rollback(_ context.Context, _ Descriptor, children [2]Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	for _, c := range children {
		delete(m.docs, c.ID)
	}
	return nil
}

func (m *memMigrator) Cleanup(_ context.Context, parent Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	delete(m.docs, parent.ID)
	return nil
}

func TestSplitConservation(t *testing.T) {
	for _, strategy := range []Strategy{Hash, Range} {
		t.Run(strategy.String(), func(t *testing.T) {
			ctx := context.Background()
			var initial *Table
			var err error
			if strategy == Hash {
				initial, err = NewHashTable(2)
			} else {
				initial, err = NewRangeTable()
			}
			require.NoError(t, err)

			router, err := NewRouter(ctx, nil, initial, nil)
			require.NoError(t, err)

			m := newMemMigrator()
			var keys []document.PartitionKey
			for i := 0; i < 500; i++ {
				k := tenantKey(fmt.Sprintf("tenant-%03d", i%50), float64(i))
				keys = append(keys, k)
				m.add(router.Table(), k)
			}

			parent := router.Route(keys[0])
			parentCount := m.count(parent.ID)

			res, err := router.Split(ctx, parent.ID, m)
			require.NoError(t, err)
			assert.Equal(t, initial.Version+1, router.Table().Version)
			assert.Equal(t, parentCount, m.count(res.Children[0].ID)+m.count(res.Children[1].ID))
			assert.Positive(t, m.count(res.Children[0].ID))
			assert.Positive(t, m.count(res.Children[1].ID))
			assert.Equal(t, 1, m.cleanups)

			// Every key is still reachable through the new table.
			for _, k := range keys {
				id := router.Route(k).ID
				m.mu.Lock()
				_, ok := m.docs[id][string(k.Encode())]
				m.mu.Unlock()
				assert.True(t, ok, "key %v lost after split", k)
			}
		})
	}
}

func TestSplitRollback(t *testing.T) {
	ctx := context.Background()
	initial, err := NewHashTable(1)
	require.NoError(t, err)
	router, err := NewRouter(ctx, nil, initial, nil)
	require.NoError(t, err)

	m := newMemMigrator()
	for i := 0; i < 100; i++ {
		m.add(router.Table(), tenantKey("t", float64(i)))
	}
	m.failMigrate = errors.New("disk full")

	_, err = router.Split(ctx, 0, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, m.rollbacks)
	assert.Equal(t, 0, m.cleanups)
	assert.Same(t, initial, router.Table())
	assert.Equal(t, 100, m.count(0))
}

// failingStore fails every Put whose name contains fail.
type failingStore struct {
	blobstore.BlobStore
	fail string
}

func (s *failingStore) Put(ctx context.Context, name string, data []byte) error {
	if s.fail != "" && bytes.Contains([]byte(name), []byte(s.fail)) {
		return errors.New("injected put failure")
	}
	return s.BlobStore.Put(ctx, name, data)
}

func TestSplitRollbackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	blobs := &failingStore{BlobStore: blobstore.NewMemoryStore()}
	store := NewTableStore(blobs)

	initial, err := NewHashTable(1)
	require.NoError(t, err)
	router, err := NewRouter(ctx, store, initial, nil)
	require.NoError(t, err)

	m := newMemMigrator()
	for i := 0; i < 50; i++ {
		m.add(router.Table(), tenantKey("t", float64(i)))
	}

	blobs.fail = TableFileName(2)
	_, err = router.Split(ctx, 0, m)
	require.Error(t, err)
	assert.Equal(t, 1, m.rollbacks)
	assert.Equal(t, uint64(1), router.Table().Version)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)

	blobs.fail = ""
	_, err = router.Split(ctx, 0, m)
	require.NoError(t, err)

	reopened, err := NewRouter(ctx, store, initial, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.Table().Version)
	assert.Len(t, reopened.Table().Partitions, 2)
}

func TestRouterRejectsStrategyChange(t *testing.T) {
	ctx := context.Background()
	store := NewTableStore(blobstore.NewMemoryStore())

	hash, err := NewHashTable(2)
	require.NoError(t, err)
	_, err = NewRouter(ctx, store, hash, nil)
	require.NoError(t, err)

	rng, err := NewRangeTable()
	require.NoError(t, err)
	_, err = NewRouter(ctx, store, rng, nil)
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestConcurrentRouteDuringSplits(t *testing.T) {
	ctx := context.Background()
	initial, err := NewHashTable(2)
	require.NoError(t, err)
	router, err := NewRouter(ctx, nil, initial, nil)
	require.NoError(t, err)

	m := newMemMigrator()
	var keys []document.PartitionKey
	for i := 0; i < 300; i++ {
		k := tenantKey("t", float64(i))
		keys = append(keys, k)
		m.add(router.Table(), k)
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				table := router.Table()
				for _, k := range keys {
					// Every snapshot routes every key to one of its own partitions.
					_, ok := table.Partition(table.Route(k).ID)
					if !ok {
						t.Error("route returned a partition outside its snapshot")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 6; i++ {
		target := router.Route(keys[i*7])
		_, err := router.Split(ctx, target.ID, m)
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Len(t, router.Table().Partitions, 8)
}
