package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
)

const (
	// DefaultMaxEntries is the default number of cached query results.
	DefaultMaxEntries = 1000
	// DefaultTTL is the default lifetime of a cached query result.
	DefaultTTL = 5 * time.Minute
)

// Options configures a QueryCache.
type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{MaxEntries: DefaultMaxEntries, TTL: DefaultTTL}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Size          int
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	result  *query.Result
	touched []partition.ID
}

// Ticket marks the moment a query started. A result is only stored if no
// partition it touched was invalidated after its ticket was taken.
type Ticket struct{ seq uint64 }

// QueryCache caches query results with TTL and LRU bounds.
type QueryCache struct {
	lru *expirable.LRU[uint64, *entry]

	mu          sync.Mutex
	seq         uint64
	invalidated map[partition.ID]uint64
	index       map[partition.ID]map[uint64]struct{}
	maxEntries  int

	hits          atomic.Uint64
	misses        atomic.Uint64
	evicted       atomic.Uint64
	removed       atomic.Uint64
	invalidations atomic.Uint64
}

// NewQueryCache creates a query cache.
func NewQueryCache(optFns ...func(o *Options)) *QueryCache {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	c := &QueryCache{
		invalidated: make(map[partition.ID]uint64),
		index:       make(map[partition.ID]map[uint64]struct{}),
		maxEntries:  opts.MaxEntries,
	}
	c.lru = expirable.NewLRU[uint64, *entry](opts.MaxEntries, func(uint64, *entry) {
		c.evicted.Add(1)
	}, opts.TTL)
	return c
}

// Key returns the cache key of a plan executed against a collection.
func Key(collection string, plan *query.Plan) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(collection)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(plan.Signature())
	return d.Sum64()
}

// Ticket returns a ticket to pass to Put once the query finishes.
func (c *QueryCache) Ticket() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Ticket{seq: c.seq}
}

// Get returns a copy of the cached result marked FromCache.
func (c *QueryCache) Get(key uint64) (*query.Result, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	res := *e.result
	res.Hits = cloneHits(e.result.Hits)
	res.FromCache = true
	res.Latency = 0
	return &res, true
}

// cloneHits deep-copies documents so callers never share them with the cache.
func cloneHits(hits []query.Hit) []query.Hit {
	out := make([]query.Hit, len(hits))
	for i, h := range hits {
		out[i] = h
		out[i].Doc = h.Doc.Clone()
	}
	return out
}

// Put stores a result. Partial results are never cached, and neither are
// results whose partitions were invalidated after t was taken.
func (c *QueryCache) Put(key uint64, t Ticket, res *query.Result) bool {
	if res == nil || res.Partial {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pid := range res.Partitions {
		if c.invalidated[pid] > t.seq {
			return false
		}
	}

	stored := *res
	stored.Hits = cloneHits(res.Hits)
	stored.FromCache = false
	e := &entry{result: &stored, touched: append([]partition.ID(nil), res.Partitions...)}
	c.lru.Add(key, e)

	for _, pid := range e.touched {
		keys := c.index[pid]
		if keys == nil {
			keys = make(map[uint64]struct{})
			c.index[pid] = keys
		}
		keys[key] = struct{}{}
	}
	c.maybeRebuildIndexLocked()
	return true
}

// InvalidatePartition drops every entry that touched pid.
func (c *QueryCache) InvalidatePartition(pid partition.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.invalidated[pid] = c.seq
	c.invalidations.Add(1)

	for key := range c.index[pid] {
		if c.lru.Remove(key) {
			c.removed.Add(1)
		}
	}
	delete(c.index, pid)
}

// Purge drops every entry.
func (c *QueryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	for pid := range c.index {
		c.invalidated[pid] = c.seq
	}
	c.removed.Add(uint64(c.lru.Len()))
	c.lru.Purge()
	clear(c.index)
}

// Stats returns the cache counters.
func (c *QueryCache) Stats() Stats {
	removed := c.removed.Load()
	evicted := c.evicted.Load()
	if removed > evicted {
		removed = evicted
	}
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     evicted - removed,
		Invalidations: c.invalidations.Load(),
		Size:          c.lru.Len(),
	}
}

// maybeRebuildIndexLocked drops index entries of keys the LRU has already
// evicted or expired.
func (c *QueryCache) maybeRebuildIndexLocked() {
	n := 0
	for _, keys := range c.index {
		n += len(keys)
	}
	if n <= 4*c.maxEntries {
		return
	}
	clear(c.index)
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		for _, pid := range e.touched {
			keys := c.index[pid]
			if keys == nil {
				keys = make(map[uint64]struct{})
				c.index[pid] = keys
			}
			keys[key] = struct{}{}
		}
	}
}
