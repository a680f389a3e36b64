package docudb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/docudb/blobstore"
	"github.com/hupe1980/docudb/cache"
	"github.com/hupe1980/docudb/internal/resource"
	"github.com/hupe1980/docudb/internal/store"
	"github.com/hupe1980/docudb/internal/wal"
)

const (
	catalogFile    = "CATALOG.msgpack"
	dataDir        = "data"
	metaDir        = "meta"
	collectionsDir = "collections"

	maxCollectionName = 128
)

// DB is an embedded document database. A DB owns one document store shared
// by all its collections; each collection is a tenant of that store with its
// own routing table, vector indexes and query cache.
type DB struct {
	dir    string
	opts   options
	logger *Logger

	store     *store.Store
	res       *resource.Controller
	docs      *cache.DocumentCache
	meta      blobstore.BlobStore
	localMeta bool

	mu          sync.RWMutex
	collections map[string]*Collection

	// bgMu orders goBackground against Close.
	bgMu   sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

type catalog struct {
	Collections map[string]catalogEntry `msgpack:"collections"`
}

// Open opens or creates a database in dir and reopens every collection in
// its catalog.
func Open(ctx context.Context, dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)

	res := resource.NewController(resource.Config{
		MaxParallelPartitions: int64(o.maxParallelPartitions),
		MaxBackgroundWorkers:  int64(o.backgroundWorkers),
		IOLimitBytesPerSec:    o.ioLimitBytesPerSec,
	})

	st, err := store.Open(filepath.Join(dir, dataDir), func(so *store.Options) {
		so.Durability = walDurability(o.durability)
		so.MemtableSize = o.memtableSize
		so.Resources = res
		so.FileSystem = o.fileSystem
		so.Logger = o.logger.Logger
	})
	if err != nil {
		return nil, translateError("open", err)
	}

	var docs *cache.DocumentCache
	if o.documentCacheBytes >= 0 {
		docs, err = cache.NewDocumentCache(&cache.DocumentCacheConfig{MaxCost: o.documentCacheBytes})
		if err != nil {
			_ = st.Close()
			return nil, newError(KindInternal, "open", err)
		}
	}

	db := &DB{
		dir:         dir,
		opts:        o,
		logger:      o.logger,
		store:       st,
		res:         res,
		docs:        docs,
		meta:        o.metaStore,
		collections: make(map[string]*Collection),
	}
	if db.meta == nil {
		db.meta = blobstore.NewLocalStore(filepath.Join(dir, metaDir), o.fileSystem)
		db.localMeta = true
	}

	cat, err := db.loadCatalog(ctx)
	if err != nil {
		_ = db.shutdown()
		return nil, translateError("open", err)
	}
	names := make([]string, 0, len(cat.Collections))
	for name := range cat.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg, err := cat.Collections[name].config()
		if err != nil {
			_ = db.shutdown()
			return nil, translateError("open", err)
		}
		c, err := openCollection(ctx, db, name, cfg, false)
		if err != nil {
			_ = db.shutdown()
			return nil, translateError("open", err)
		}
		db.collections[name] = c
	}

	db.logger.InfoContext(ctx, "database opened", "dir", dir, "collections", len(names))
	return db, nil
}

func walDurability(d Durability) wal.Durability {
	if d == DurabilityAsync {
		return wal.DurabilityAsync
	}
	return wal.DurabilitySync
}

// CreateCollection creates a collection. The partitioning strategy and key
// fields are fixed for its lifetime.
func (db *DB) CreateCollection(ctx context.Context, name string, cfg CollectionConfig) (*Collection, error) {
	if db.closed.Load() {
		return nil, newError(KindStorage, "create collection", ErrClosed)
	}
	if err := validateCollectionName(name); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "create collection", Collection: name, Err: err}
	}
	cfg = cfg.withDefaults(db.opts)
	if err := cfg.validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "create collection", Collection: name, Err: err}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.collections[name]; ok {
		return nil, &Error{Kind: KindValidation, Op: "create collection", Collection: name, Err: ErrCollectionExists}
	}

	c, err := openCollection(ctx, db, name, cfg, true)
	if err != nil {
		return nil, translateError("create collection", err)
	}
	db.collections[name] = c
	if err := db.saveCatalogLocked(ctx); err != nil {
		delete(db.collections, name)
		return nil, translateError("create collection", err)
	}

	db.logger.InfoContext(ctx, "collection created",
		"collection", name,
		"strategy", cfg.Strategy.String(),
		"partition_key", cfg.PartitionKeyFields,
	)
	return c, nil
}

// Collection returns an existing collection.
func (db *DB) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.collections[name]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "collection", Collection: name, Err: ErrNotFound}
	}
	return c, nil
}

// Collections returns the collection names in sorted order.
func (db *DB) Collections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush writes all buffered documents to the base store.
func (db *DB) Flush(ctx context.Context) error {
	if db.closed.Load() {
		return newError(KindStorage, "flush", ErrClosed)
	}
	err := db.store.Flush()
	db.logger.LogFlush(ctx, db.store.FlushedLSN(), err)
	return translateError("flush", err)
}

func (db *DB) loadCatalog(ctx context.Context) (*catalog, error) {
	data, err := blobstore.ReadAll(ctx, db.meta, catalogFile)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return &catalog{Collections: map[string]catalogEntry{}}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat catalog
	if err := msgpack.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if cat.Collections == nil {
		cat.Collections = map[string]catalogEntry{}
	}
	return &cat, nil
}

// saveCatalogLocked persists the configuration of every collection.
// Caller holds mu.
func (db *DB) saveCatalogLocked(ctx context.Context) error {
	cat := catalog{Collections: make(map[string]catalogEntry, len(db.collections))}
	for name, c := range db.collections {
		cat.Collections[name] = newCatalogEntry(c.Config())
	}
	data, err := msgpack.Marshal(&cat)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := db.meta.Put(ctx, catalogFile, data); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

func (db *DB) saveCatalog(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveCatalogLocked(ctx)
}

// routingStore returns the blob store holding the routing tables of a collection.
func (db *DB) routingStore(name string) blobstore.BlobStore {
	if db.localMeta {
		return blobstore.NewLocalStore(filepath.Join(db.dir, metaDir, collectionsDir, name), db.opts.fileSystem)
	}
	return blobstore.WithPrefix(db.meta, collectionsDir+"/"+name+"/")
}

func validateCollectionName(name string) error {
	if name == "" || len(name) > maxCollectionName {
		return fmt.Errorf("collection name must have 1 to %d characters", maxCollectionName)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("invalid character %q in collection name", r)
		}
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}
