package cache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/hupe1980/docudb/document"
)

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
)

// DocumentCacheConfig configures a DocumentCache.
type DocumentCacheConfig struct {
	NumCounters int64
	// MaxCost is the budget in decoded document bytes.
	MaxCost     int64
	BufferItems int64
}

// DocumentCache caches decoded documents by the hash of their stored bytes.
type DocumentCache struct {
	cache *ristretto.Cache
}

// NewDocumentCache creates a document cache. A nil config uses defaults.
func NewDocumentCache(config *DocumentCacheConfig) (*DocumentCache, error) {
	cfg := DocumentCacheConfig{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	}
	if config != nil {
		if config.NumCounters > 0 {
			cfg.NumCounters = config.NumCounters
		}
		if config.MaxCost > 0 {
			cfg.MaxCost = config.MaxCost
		}
		if config.BufferItems > 0 {
			cfg.BufferItems = config.BufferItems
		}
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &DocumentCache{cache: c}, nil
}

// Load returns the decoded document for stored, calling decode on a miss.
// The returned document is a private copy.
func (c *DocumentCache) Load(stored []byte, decode func([]byte) (*document.Document, error)) (*document.Document, error) {
	if c == nil {
		return decode(stored)
	}
	key := xxhash.Sum64(stored)
	if v, ok := c.cache.Get(key); ok {
		if e, ok := v.(*docEntry); ok && e.storedLen == len(stored) {
			return e.doc.Clone(), nil
		}
	}

	doc, err := decode(stored)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, &docEntry{doc: doc.Clone(), storedLen: len(stored)}, int64(doc.Size()))
	return doc, nil
}

// Wait blocks until buffered writes are applied.
func (c *DocumentCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Clear drops every entry.
func (c *DocumentCache) Clear() {
	if c != nil {
		c.cache.Clear()
	}
}

// Close stops the cache's background goroutines.
func (c *DocumentCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}

type docEntry struct {
	doc       *document.Document
	storedLen int
}
