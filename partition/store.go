package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/docudb/blobstore"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	TableFilePrefix = "ROUTING-"
	TableFileSuffix = ".msgpack"
	CurrentFileName = "CURRENT"
)

// ErrNotFound is returned when no routing table has been saved yet.
var ErrNotFound = errors.New("routing table not found")

// TableFileName returns the blob name of a table version.
func TableFileName(version uint64) string {
	return fmt.Sprintf("%s%06d%s", TableFilePrefix, version, TableFileSuffix)
}

// TableStore persists routing table versions.
type TableStore struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewTableStore creates a table store on top of a blob store.
func NewTableStore(store blobstore.BlobStore) *TableStore {
	return &TableStore{store: store}
}

// Load loads the table CURRENT points to.
func (s *TableStore) Load(ctx context.Context) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", CurrentFileName, err)
	}
	return s.load(ctx, strings.TrimSpace(string(current)))
}

// LoadVersion loads a specific table version.
func (s *TableStore) LoadVersion(ctx context.Context, version uint64) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, TableFileName(version))
}

func (s *TableStore) load(ctx context.Context, name string) (*Table, error) {
	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	t := &Table{}
	if err := msgpack.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	t.reindex()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// Save writes the table version blob and then moves CURRENT to it.
// A crash between the two writes leaves CURRENT on the previous version.
func (s *TableStore) Save(ctx context.Context, t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode routing table: %w", err)
	}

	name := TableFileName(t.Version)
	if err := s.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("update %s: %w", CurrentFileName, err)
	}
	return nil
}

// ListVersions returns all stored table versions in ascending order.
func (s *TableStore) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, TableFilePrefix)
	if err != nil {
		return nil, err
	}
	var versions []uint64
	for _, name := range names {
		if !strings.HasPrefix(name, TableFilePrefix) || !strings.HasSuffix(name, TableFileSuffix) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, TableFilePrefix), TableFileSuffix), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Prune deletes all but the newest keep versions. The version CURRENT
// points to is never deleted because it is always among the newest.
func (s *TableStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	versions, err := s.ListVersions(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, v := range versions[:len(versions)-keep] {
		if err := s.store.Delete(ctx, TableFileName(v)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
