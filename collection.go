package docudb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/hupe1980/docudb/cache"
	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/hnsw"
	"github.com/hupe1980/docudb/internal/store"
	"github.com/hupe1980/docudb/internal/wal"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
)

// Collection is a partitioned set of documents. All methods are safe for
// concurrent use.
type Collection struct {
	db      *DB
	name    string
	logger  *Logger
	metrics MetricsCollector

	router  *partition.Router
	tables  *partition.TableStore
	exec    *query.Executor
	queries *cache.QueryCache

	cfgMu   sync.RWMutex
	cfg     CollectionConfig
	indexes map[string]*vectorIndex

	// Writers hold a partition's lock shared; a split holds it exclusively.
	locksMu sync.Mutex
	locks   map[partition.ID]*sync.RWMutex

	docLocks [docLockStripes]sync.Mutex

	splitting sync.Map
	// splitFailed maps a partition that could not be split to its size at
	// the time.
	splitFailed sync.Map
	closed      atomic.Bool
}

const docLockStripes = 64

// InsertResult describes a stored document.
type InsertResult struct {
	ID string
	// SizeBytes is the compressed size as stored.
	SizeBytes        int
	CompressionRatio float64
	Latency          time.Duration
	PartitionID      partition.ID
}

// PartitionInfo reports the live counters of a partition.
type PartitionInfo struct {
	ID         partition.ID
	Descriptor partition.Descriptor
	SizeBytes  int64
	DocCount   int64
	// Vectors is the number of indexed vectors over all vector fields.
	Vectors int
}

// prepared is a validated, compressed document ready to be written.
type prepared struct {
	doc   *document.Document
	value []byte
	stats codec.Stats
	del   bool
	pid   partition.ID
}

func openCollection(ctx context.Context, db *DB, name string, cfg CollectionConfig, create bool) (*Collection, error) {
	logger := db.logger.WithCollection(name)

	initial, err := cfg.initialTable()
	if err != nil {
		return nil, err
	}
	tables := partition.NewTableStore(db.routingStore(name))
	router, err := partition.NewRouter(ctx, tables, initial, logger.Logger)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		db:      db,
		name:    name,
		logger:  logger,
		metrics: db.opts.metricsCollector,
		router:  router,
		tables:  tables,
		cfg:     cfg,
		indexes: make(map[string]*vectorIndex, len(cfg.VectorIndexes)),
		locks:   make(map[partition.ID]*sync.RWMutex),
	}
	for _, vc := range cfg.VectorIndexes {
		c.indexes[vc.Field] = newVectorIndex(vc)
	}
	c.queries = cache.NewQueryCache(func(o *cache.Options) {
		o.MaxEntries = db.opts.cacheSize
		o.TTL = db.opts.cacheTTL
	})
	c.exec = query.NewExecutor(&source{c: c}, db.res, func(o *query.Options) {
		o.PartitionTimeout = db.opts.partitionTimeout
		o.QueryTimeout = db.opts.queryTimeout
		o.MaxParallel = db.opts.maxParallelPartitions
		o.Logger = logger.Logger
	})

	if !create {
		if err := c.recover(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Config returns a copy of the collection configuration.
func (c *Collection) Config() CollectionConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.clone()
}

func (c *Collection) partitionKeyFields() []string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.PartitionKeyFields
}

func (c *Collection) index(field string) *vectorIndex {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.indexes[field]
}

func (c *Collection) indexList() []*vectorIndex {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	out := make([]*vectorIndex, 0, len(c.indexes))
	for _, vi := range c.indexes {
		out = append(out, vi)
	}
	return out
}

func (c *Collection) partitionLock(pid partition.ID) *sync.RWMutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[pid]
	if !ok {
		mu = &sync.RWMutex{}
		c.locks[pid] = mu
	}
	return mu
}

func (c *Collection) isLive(pid partition.ID) bool {
	_, ok := c.router.Table().Partition(pid)
	return ok
}

// lockRoute routes key and returns the owning partition with its lock held
// shared. A partition split away while waiting for the lock is re-routed.
func (c *Collection) lockRoute(key document.PartitionKey) (partition.Descriptor, *sync.RWMutex) {
	for {
		d := c.router.Route(key)
		mu := c.partitionLock(d.ID)
		mu.RLock()
		if c.isLive(d.ID) {
			return d, mu
		}
		mu.RUnlock()
	}
}

func (c *Collection) checkOpen() error {
	if c.closed.Load() || c.db.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Collection) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	err = translateError(op, err)
	var e *Error
	if errors.As(err, &e) && e.Collection == "" {
		e.Collection = c.name
	}
	return err
}

// Insert stores doc, replacing a document with the same ID in the same
// partition. An empty ID is replaced by a random UUID. Invalid documents are
// rejected before any partition is touched.
func (c *Collection) Insert(ctx context.Context, doc *document.Document) (InsertResult, error) {
	start := time.Now()
	if err := c.checkOpen(); err != nil {
		return InsertResult{}, c.wrap("insert", err)
	}

	p, err := c.prepare(doc)
	if err == nil {
		err = c.apply(ctx, []*prepared{p})
	}
	latency := time.Since(start)
	c.metrics.RecordInsert(latency, err)

	if err != nil {
		id := ""
		if doc != nil {
			id = doc.ID
		}
		c.logger.LogInsert(ctx, id, 0, 0, err)
		return InsertResult{}, c.wrap("insert", err)
	}
	c.logger.LogInsert(ctx, p.doc.ID, uint64(p.pid), len(p.value), nil)
	return p.result(latency), nil
}

// InsertBatch validates every document before writing any of them, then
// writes each partition's share as one atomic batch.
func (c *Collection) InsertBatch(ctx context.Context, docs []*document.Document) ([]InsertResult, error) {
	start := time.Now()
	if err := c.checkOpen(); err != nil {
		return nil, c.wrap("insert batch", err)
	}

	preps := make([]*prepared, len(docs))
	for i, doc := range docs {
		p, err := c.prepare(doc)
		if err != nil {
			c.metrics.RecordBatchInsert(len(docs), len(docs), time.Since(start))
			c.logger.LogBatchInsert(ctx, len(docs), 0, err)
			return nil, c.wrap("insert batch", fmt.Errorf("document %d: %w", i, err))
		}
		preps[i] = p
	}

	err := c.apply(ctx, preps)
	latency := time.Since(start)
	if err != nil {
		c.metrics.RecordBatchInsert(len(docs), len(docs), latency)
		c.logger.LogBatchInsert(ctx, len(docs), 0, err)
		return nil, c.wrap("insert batch", err)
	}

	touched := make(map[partition.ID]struct{})
	results := make([]InsertResult, len(preps))
	for i, p := range preps {
		results[i] = p.result(latency)
		touched[p.pid] = struct{}{}
	}
	c.metrics.RecordBatchInsert(len(docs), 0, latency)
	c.logger.LogBatchInsert(ctx, len(docs), len(touched), nil)
	return results, nil
}

func (p *prepared) result(latency time.Duration) InsertResult {
	return InsertResult{
		ID:               p.doc.ID,
		SizeBytes:        len(p.value),
		CompressionRatio: p.stats.Ratio(),
		Latency:          latency,
		PartitionID:      p.pid,
	}
}

// prepare validates and compresses a private copy of doc.
func (c *Collection) prepare(doc *document.Document) (*prepared, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrValidation)
	}
	d := doc.Clone()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	c.cfgMu.RLock()
	fields := c.cfg.PartitionKeyFields
	level := *c.cfg.Compression
	indexes := make([]*vectorIndex, 0, len(c.indexes))
	for _, vi := range c.indexes {
		indexes = append(indexes, vi)
	}
	c.cfgMu.RUnlock()

	if len(fields) > 0 {
		if d.PartitionKey.IsEmpty() {
			key, err := extractKey(d, fields)
			if err != nil {
				return nil, err
			}
			d.PartitionKey = key
		} else if err := checkKey(d, fields); err != nil {
			return nil, err
		}
	}

	raw, err := d.Encode()
	if err != nil {
		return nil, err
	}
	for _, vi := range indexes {
		if _, _, err := vi.extract(d); err != nil {
			return nil, err
		}
	}

	value, stats, err := codec.CompressWithStats(raw, level)
	if err != nil {
		return nil, err
	}
	return &prepared{doc: d, value: value, stats: stats}, nil
}

func extractKey(doc *document.Document, fields []string) (document.PartitionKey, error) {
	comps := make([]document.Component, 0, len(fields))
	for _, f := range fields {
		v, ok := doc.Get(f)
		if !ok || v.IsNull() {
			return document.PartitionKey{}, fmt.Errorf("%w: %s", ErrMissingPartitionKey, f)
		}
		comp, err := document.ComponentFromValue(v)
		if err != nil {
			return document.PartitionKey{}, fmt.Errorf("partition key field %s: %w", f, err)
		}
		comps = append(comps, comp)
	}
	return document.Key(comps...), nil
}

// checkKey verifies that an explicit partition key agrees with the key
// fields the document carries. Queries pinned on those fields are routed by
// their values, so a contradicting key would hide the document from them.
func checkKey(doc *document.Document, fields []string) error {
	key := doc.PartitionKey
	if key.Len() != len(fields) {
		return fmt.Errorf("%w: key has %d components, collection has %d key fields",
			ErrPartitionKeyMismatch, key.Len(), len(fields))
	}
	for i, f := range fields {
		v, ok := doc.Get(f)
		if !ok || v.IsNull() {
			continue
		}
		comp, err := document.ComponentFromValue(v)
		if err != nil {
			return fmt.Errorf("partition key field %s: %w", f, err)
		}
		if !comp.Equal(key.Components[i]) {
			return fmt.Errorf("%w: field %s is %s, key has %s",
				ErrPartitionKeyMismatch, f, comp, key.Components[i])
		}
	}
	return nil
}

// apply writes preps grouped by partition. Each group is one atomic store
// batch written under the partition's shared lock; groups whose partition
// was split away meanwhile are routed again.
func (c *Collection) apply(ctx context.Context, preps []*prepared) error {
	pending := preps
	for len(pending) > 0 {
		table := c.router.Table()
		groups := make(map[partition.ID][]*prepared)
		var order []partition.ID
		for _, p := range pending {
			pid := table.Route(p.doc.PartitionKey).ID
			if _, ok := groups[pid]; !ok {
				order = append(order, pid)
			}
			groups[pid] = append(groups[pid], p)
		}

		var retry []*prepared
		for _, pid := range order {
			mu := c.partitionLock(pid)
			mu.RLock()
			if !c.isLive(pid) {
				mu.RUnlock()
				retry = append(retry, groups[pid]...)
				continue
			}
			err := c.writePartition(ctx, pid, groups[pid])
			mu.RUnlock()
			if err != nil {
				return err
			}
		}
		pending = retry
	}
	return nil
}

// lockDocs locks the stripes of every document in group in ascending order
// and returns the matching unlock. Holding them across the store write and
// the index update keeps both in the same order for concurrent writes of one
// document.
func (c *Collection) lockDocs(group []*prepared) func() {
	stripes := make([]int, 0, len(group))
	for _, p := range group {
		stripes = append(stripes, int(xxhash.Sum64String(p.doc.ID)%docLockStripes))
	}
	slices.Sort(stripes)
	stripes = slices.Compact(stripes)
	for _, i := range stripes {
		c.docLocks[i].Lock()
	}
	return func() {
		for _, i := range slices.Backward(stripes) {
			c.docLocks[i].Unlock()
		}
	}
}

// writePartition writes one group. Caller holds the partition lock shared.
func (c *Collection) writePartition(ctx context.Context, pid partition.ID, group []*prepared) error {
	ops := make([]wal.Op, 0, len(group))
	for _, p := range group {
		key, err := store.EncodeKey(c.name, uint64(pid), p.doc.ID)
		if err != nil {
			return err
		}
		if p.del {
			ops = append(ops, wal.Op{Kind: wal.OpDelete, Key: key})
		} else {
			ops = append(ops, wal.Op{Kind: wal.OpPut, Key: key, Value: p.value})
		}
	}
	unlock := c.lockDocs(group)
	werr := c.db.store.WriteBatch(ctx, ops)
	if werr != nil && !errors.Is(werr, store.ErrNotDurable) {
		unlock()
		return werr
	}
	// The batch is visible from here on, even when its durability is in
	// doubt, so the cache and the indexes must follow it.
	c.queries.InvalidatePartition(pid)

	ictx := context.WithoutCancel(ctx)
	for _, vi := range c.indexList() {
		for _, p := range group {
			if p.del {
				vi.remove(pid, p.doc.ID)
				continue
			}
			if err := vi.put(ictx, pid, p.doc); err != nil {
				c.logger.Warn("vector index update failed",
					"field", vi.cfg.Field, "id", p.doc.ID, "partition", uint64(pid), "error", err)
			}
		}
	}
	unlock()
	for _, p := range group {
		p.pid = pid
	}
	if werr != nil {
		return werr
	}

	c.maybeSplit(pid)
	return nil
}

// Get returns the document with the given ID and partition key.
func (c *Collection) Get(ctx context.Context, id string, key document.PartitionKey) (*document.Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, c.wrap("get", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, c.wrap("get", err)
	}
	if id == "" {
		return nil, c.wrap("get", fmt.Errorf("%w: empty id", ErrValidation))
	}
	if err := key.Validate(); err != nil {
		return nil, c.wrap("get", err)
	}

	d, mu := c.lockRoute(key)
	defer mu.RUnlock()

	skey, err := store.EncodeKey(c.name, uint64(d.ID), id)
	if err != nil {
		return nil, c.wrap("get", err)
	}
	value, ok, err := c.db.store.Get(skey)
	if err != nil {
		return nil, c.wrap("get", err)
	}
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "get", Collection: c.name, Partition: &d.ID, Key: id, Err: ErrNotFound}
	}
	doc, err := c.decode(value)
	if err != nil {
		return nil, &Error{Kind: classify(err), Op: "get", Collection: c.name, Partition: &d.ID, Key: id, Err: err}
	}
	return doc, nil
}

// decode decompresses and decodes a stored value through the document cache.
func (c *Collection) decode(value []byte) (*document.Document, error) {
	return c.db.docs.Load(value, func(b []byte) (*document.Document, error) {
		raw, err := codec.Decompress(b)
		if err != nil {
			return nil, err
		}
		return document.Decode(raw)
	})
}

// remove deletes docs from the partitions they are stored in.
func (c *Collection) remove(ctx context.Context, docs []*document.Document) error {
	preps := make([]*prepared, len(docs))
	for i, d := range docs {
		preps[i] = &prepared{doc: d, del: true}
	}
	return c.apply(ctx, preps)
}

// CreateVectorIndex indexes field with an HNSW graph per partition and
// backfills the documents already stored. Documents whose field is not a
// vector of the given dimension are skipped.
func (c *Collection) CreateVectorIndex(ctx context.Context, field string, dimension int, metric distance.Metric, optFns ...func(o *hnsw.Options)) error {
	if err := c.checkOpen(); err != nil {
		return c.wrap("create vector index", err)
	}
	hopts := hnsw.DefaultOptions()
	for _, fn := range optFns {
		fn(&hopts)
	}
	vc := VectorIndexConfig{
		Field:          field,
		Dimension:      dimension,
		Metric:         metric,
		M:              hopts.M,
		EfConstruction: hopts.EfConstruction,
		EfSearch:       hopts.EfSearch,
	}.withDefaults()
	if err := vc.validate(); err != nil {
		return c.wrap("create vector index", err)
	}

	c.cfgMu.Lock()
	if _, ok := c.indexes[field]; ok {
		c.cfgMu.Unlock()
		return c.wrap("create vector index", fmt.Errorf("%w: %s", ErrIndexExists, field))
	}
	vi := newVectorIndex(vc)
	c.indexes[field] = vi
	c.cfg.VectorIndexes = append(c.cfg.VectorIndexes, vc)
	c.cfgMu.Unlock()

	indexed, skipped := 0, 0
	for _, pid := range c.router.Table().IDs() {
		mu := c.partitionLock(pid)
		mu.Lock()
		var ierr error
		err := c.scanPartition(pid, func(doc *document.Document) bool {
			if err := vi.put(ctx, pid, doc); err != nil {
				if ctx.Err() != nil {
					ierr = ctx.Err()
					return false
				}
				skipped++
				return true
			}
			indexed++
			return true
		})
		mu.Unlock()
		if err == nil {
			err = ierr
		}
		if err != nil {
			c.dropIndex(field)
			return c.wrap("create vector index", err)
		}
	}
	for _, pid := range c.router.Table().IDs() {
		c.queries.InvalidatePartition(pid)
	}

	if err := c.db.saveCatalog(ctx); err != nil {
		c.dropIndex(field)
		return c.wrap("create vector index", err)
	}
	c.logger.InfoContext(ctx, "vector index created",
		"field", field,
		"dimension", dimension,
		"metric", metric.String(),
		"indexed", indexed,
		"skipped", skipped,
	)
	return nil
}

func (c *Collection) dropIndex(field string) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	delete(c.indexes, field)
	kept := c.cfg.VectorIndexes[:0]
	for _, vc := range c.cfg.VectorIndexes {
		if vc.Field != field {
			kept = append(kept, vc)
		}
	}
	c.cfg.VectorIndexes = kept
}

// scanPartition decodes every stored document of pid.
func (c *Collection) scanPartition(pid partition.ID, fn func(doc *document.Document) bool) error {
	var derr error
	err := c.db.store.Scan(store.PartitionPrefix(c.name, uint64(pid)), func(_, value []byte) bool {
		doc, err := c.decode(value)
		if err != nil {
			derr = err
			return false
		}
		return fn(doc)
	})
	if err != nil {
		return err
	}
	return derr
}

// Partitions returns the partitions of the current routing table with their
// live counters.
func (c *Collection) Partitions() []PartitionInfo {
	table := c.router.Table()
	indexes := c.indexList()

	out := make([]PartitionInfo, 0, len(table.Partitions))
	for _, d := range table.Partitions {
		st := c.db.store.PartitionStats(c.name, uint64(d.ID))
		info := PartitionInfo{ID: d.ID, Descriptor: d, SizeBytes: st.SizeBytes, DocCount: st.DocCount}
		for _, vi := range indexes {
			if idx, _ := vi.partition(d.ID, false); idx != nil {
				info.Vectors += idx.Live()
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TableVersion returns the version of the current routing table.
func (c *Collection) TableVersion() uint64 {
	return c.router.Table().Version
}

// CompactIndexes removes the tombstones left by updates and deletes from
// every vector index and returns the number of removed nodes.
func (c *Collection) CompactIndexes(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, c.wrap("compact", err)
	}
	total := 0
	for _, vi := range c.indexList() {
		n, err := vi.compact(ctx)
		total += n
		if err != nil {
			return total, c.wrap("compact", err)
		}
	}
	c.logger.DebugContext(ctx, "vector indexes compacted", "removed", total)
	return total, nil
}

// CacheStats returns the query cache counters.
func (c *Collection) CacheStats() cache.Stats {
	return c.queries.Stats()
}

// recover removes partitions left behind by interrupted splits and rebuilds
// the vector indexes from the stored documents.
func (c *Collection) recover(ctx context.Context) error {
	table := c.router.Table()

	purged := 0
	for ref := range c.db.store.AllPartitionStats() {
		if ref.Tenant != c.name {
			continue
		}
		if _, ok := table.Partition(partition.ID(ref.ID)); ok {
			continue
		}
		if err := c.deletePartition(ctx, partition.ID(ref.ID)); err != nil {
			c.logger.LogRecovery(ctx, 0, 0, purged, err)
			return err
		}
		purged++
	}

	indexes := c.indexList()
	indexed := 0
	if len(indexes) > 0 {
		for _, pid := range table.IDs() {
			err := c.scanPartition(pid, func(doc *document.Document) bool {
				for _, vi := range indexes {
					if err := vi.put(ctx, pid, doc); err != nil {
						c.logger.Warn("skipping document during index rebuild",
							"field", vi.cfg.Field, "id", doc.ID, "partition", uint64(pid), "error", err)
						continue
					}
					indexed++
				}
				return ctx.Err() == nil
			})
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				c.logger.LogRecovery(ctx, len(table.Partitions), indexed, purged, err)
				return err
			}
		}
	}

	c.logger.LogRecovery(ctx, len(table.Partitions), indexed, purged, nil)
	return nil
}

// deletePartition removes every stored document of pid and its index graphs.
func (c *Collection) deletePartition(ctx context.Context, pid partition.ID) error {
	var keys [][]byte
	err := c.db.store.Scan(store.PartitionPrefix(c.name, uint64(pid)), func(key, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := min(len(keys), migrateBatchSize)
		ops := make([]wal.Op, n)
		for i, k := range keys[:n] {
			ops[i] = wal.Op{Kind: wal.OpDelete, Key: k}
		}
		if err := c.db.store.WriteBatch(ctx, ops); err != nil {
			return err
		}
		keys = keys[n:]
	}
	for _, vi := range c.indexList() {
		vi.drop(pid)
	}
	c.queries.InvalidatePartition(pid)
	return nil
}

// isKeyField reports whether field names, contains or lies inside a
// partition key field.
func isKeyField(field string, keyFields []string) bool {
	if field == document.IDField {
		return true
	}
	for _, kf := range keyFields {
		if field == kf || strings.HasPrefix(kf, field+".") || strings.HasPrefix(field, kf+".") {
			return true
		}
	}
	return false
}

func (c *Collection) close() {
	c.closed.Store(true)
	c.queries.Purge()
}
