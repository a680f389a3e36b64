package docudb

import (
	"log/slog"
	"time"

	"github.com/hupe1980/docudb/blobstore"
	"github.com/hupe1980/docudb/cache"
	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/internal/fs"
)

// Durability controls when a write returns relative to its log record
// reaching disk.
type Durability int

const (
	// DurabilitySync returns after the write is synced. Concurrent writes
	// share one sync.
	DurabilitySync Durability = iota
	// DurabilityAsync returns once the write is buffered.
	DurabilityAsync
)

func (d Durability) String() string {
	if d == DurabilityAsync {
		return "async"
	}
	return "sync"
}

type options struct {
	logger                *Logger
	metricsCollector      MetricsCollector
	compression           codec.Level
	durability            Durability
	memtableSize          int64
	cacheSize             int
	cacheTTL              time.Duration
	partitionTimeout      time.Duration
	queryTimeout          time.Duration
	maxParallelPartitions int
	backgroundWorkers     int
	ioLimitBytesPerSec    int64
	documentCacheBytes    int64
	metaStore             blobstore.BlobStore
	fileSystem            fs.FileSystem
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	db, _ := docudb.Open(ctx, "./data", docudb.WithLogger(docudb.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector. Pass nil to disable
// metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithCompression sets the default compression level of new collections.
func WithCompression(level codec.Level) Option {
	return func(o *options) {
		o.compression = level
	}
}

// WithDurability sets the durability of writes.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithMemtableSize sets the number of buffered bytes that triggers a flush
// of the in-memory write buffer into the base store.
func WithMemtableSize(bytes int64) Option {
	return func(o *options) {
		o.memtableSize = bytes
	}
}

// WithQueryCache sets the size and TTL of each collection's query cache.
func WithQueryCache(entries int, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheSize = entries
		o.cacheTTL = ttl
	}
}

// WithDocumentCache sets the byte budget of the decoded document cache.
// A negative value disables it.
func WithDocumentCache(bytes int64) Option {
	return func(o *options) {
		o.documentCacheBytes = bytes
	}
}

// WithTimeouts sets the per-partition and overall query timeouts.
func WithTimeouts(partition, query time.Duration) Option {
	return func(o *options) {
		o.partitionTimeout = partition
		o.queryTimeout = query
	}
}

// WithMaxParallelPartitions bounds the partition sub-requests in flight
// across all queries.
func WithMaxParallelPartitions(n int) Option {
	return func(o *options) {
		o.maxParallelPartitions = n
	}
}

// WithBackgroundLimits bounds concurrent splits and their IO throughput.
// bytesPerSec <= 0 means unlimited.
func WithBackgroundLimits(workers int, bytesPerSec int64) Option {
	return func(o *options) {
		o.backgroundWorkers = workers
		o.ioLimitBytesPerSec = bytesPerSec
	}
}

// WithMetaStore stores collection catalogs and routing tables in store
// instead of the local directory, e.g. an S3 or MinIO bucket.
func WithMetaStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.metaStore = store
	}
}

// withFileSystem routes the write-ahead log and the local metadata through
// fsys.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fileSystem = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:                NoopLogger(),
		metricsCollector:      NoopMetricsCollector{},
		compression:           codec.Balanced,
		durability:            DurabilitySync,
		memtableSize:          4 << 20,
		cacheSize:             cache.DefaultMaxEntries,
		cacheTTL:              cache.DefaultTTL,
		partitionTimeout:      5 * time.Second,
		queryTimeout:          30 * time.Second,
		maxParallelPartitions: 16,
		backgroundWorkers:     1,
		documentCacheBytes:    64 << 20,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	return o
}
