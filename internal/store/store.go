package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hupe1980/docudb/internal/fs"
	"github.com/hupe1980/docudb/internal/resource"
	"github.com/hupe1980/docudb/internal/wal"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrStorage is matched by every I/O failure of the store.
	ErrStorage = errors.New("storage error")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrNotDurable is returned when a write became visible but could not be
	// confirmed on disk. Readers see the write; a restart may lose it.
	ErrNotDurable = errors.New("write not durable")
)

var (
	bucketDocs       = []byte("docs")
	bucketPartitions = []byte("partitions")
	bucketMeta       = []byte("meta")
	keyFlushedLSN    = []byte("flushed_lsn")
)

const baseFile = "base.db"

// Error wraps an I/O failure with the operation and key it happened on.
type Error struct {
	Op  string
	Key []byte
	Err error
}

func (e *Error) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) match.
func (e *Error) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err}
}

func notDurable(op string, err error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrNotDurable, err)}
}

// Options configures a Store.
type Options struct {
	// Durability of WAL appends.
	Durability wal.Durability
	// MemtableSize is the number of bytes after which the active memtable is
	// frozen and flushed.
	MemtableSize int64
	// FlushRetries bounds the retries of a failing flush before it is given up
	// until the next trigger.
	FlushRetries uint64
	// ReadRetries bounds the retries of a failing base store read.
	ReadRetries uint64
	// FileSystem used by the WAL. Nil means the local file system.
	FileSystem fs.FileSystem
	// Resources throttles flush IO. Nil means unlimited.
	Resources *resource.Controller
	Logger    *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		Durability:   wal.DurabilitySync,
		MemtableSize: 4 << 20,
		FlushRetries: 5,
		ReadRetries:  3,
	}
}

// Store is the durable key/value store for compressed documents.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	wal *wal.WAL
	db  *bolt.DB

	// writeMu serializes LSN assignment, WAL append and memtable apply so that
	// the memtable applies records in LSN order.
	writeMu sync.Mutex

	mu         sync.RWMutex
	active     *memtable
	frozen     []*memtable // oldest first
	base       map[PartitionRef]Stats
	lastLSN    uint64
	flushedLSN uint64
	// writeErr is set when a logged record could not be applied. The log
	// and the memtable disagree from then on, so every later write fails.
	writeErr error

	flushMu  sync.Mutex
	flushErr error

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Open opens or creates a store in dir and replays the WAL.
func Open(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MemtableSize <= 0 {
		opts.MemtableSize = DefaultOptions().MemtableSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open", nil, err)
	}

	db, err := bolt.Open(filepath.Join(dir, baseFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storageErr("open", nil, err)
	}

	s := &Store{
		dir:     dir,
		opts:    opts,
		logger:  logger,
		db:      db,
		active:  newMemtable(),
		base:    make(map[PartitionRef]Stats),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if err := s.loadBase(); err != nil {
		db.Close()
		return nil, storageErr("open", nil, err)
	}

	w, err := wal.Open(opts.FileSystem, filepath.Join(dir, "wal"), wal.Options{
		Durability: opts.Durability,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, storageErr("open", nil, err)
	}
	s.wal = w

	replayed, err := s.recover()
	if err != nil {
		w.Close()
		db.Close()
		return nil, storageErr("recover", nil, err)
	}
	logger.Info("store opened", "dir", dir, "flushed_lsn", s.flushedLSN, "replayed", replayed, "last_lsn", s.lastLSN)

	s.wg.Add(1)
	go s.runFlusher()
	return s, nil
}

func (s *Store) loadBase() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocs, bucketPartitions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if v := tx.Bucket(bucketMeta).Get(keyFlushedLSN); len(v) == 8 {
			s.flushedLSN = binary.BigEndian.Uint64(v)
		}
		s.lastLSN = s.flushedLSN
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			ref, err := decodeRef(k)
			if err != nil {
				return err
			}
			if len(v) != 16 {
				return fmt.Errorf("corrupt counters for %s", ref)
			}
			s.base[ref] = Stats{
				SizeBytes: int64(binary.BigEndian.Uint64(v[0:])),
				DocCount:  int64(binary.BigEndian.Uint64(v[8:])),
			}
			return nil
		})
	})
}

// recover replays WAL records newer than the flushed LSN into the active memtable.
func (s *Store) recover() (int, error) {
	replayed := 0
	err := s.wal.Replay(func(rec *wal.Record) error {
		if rec.LSN <= s.flushedLSN {
			return nil
		}
		s.mu.Lock()
		err := s.applyLocked(rec)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.lastLSN = max(s.lastLSN, rec.LSN)
		replayed++
		return nil
	})
	return replayed, err
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.WriteBatch(ctx, []wal.Op{{Kind: wal.OpPut, Key: key, Value: value}})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.WriteBatch(ctx, []wal.Op{{Kind: wal.OpDelete, Key: key}})
}

// WriteBatch applies all ops atomically: they are logged as one WAL record and
// become visible together. The store retains the key and value slices.
//
// An error matching ErrNotDurable means the batch is visible but its
// durability is unknown. Any other error means nothing was applied.
func (s *Store) WriteBatch(ctx context.Context, ops []wal.Op) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if _, err := refOf(op.Key); err != nil {
			return err
		}
	}
	// Once the record is appended the write completes regardless of ctx.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	rec := &wal.Record{
		Type: wal.RecordTypeBatch,
		Ops:  ops,
	}
	s.mu.RLock()
	rec.LSN = s.lastLSN + 1
	werr := s.writeErr
	s.mu.RUnlock()
	if werr != nil {
		s.writeMu.Unlock()
		return werr
	}

	pos, err := s.wal.AppendAsync(rec)
	if err != nil {
		s.writeMu.Unlock()
		return storageErr("append", ops[0].Key, err)
	}

	s.mu.Lock()
	if err := s.applyLocked(rec); err != nil {
		s.writeErr = storageErr("apply", ops[0].Key, err)
		werr = s.writeErr
		s.mu.Unlock()
		s.writeMu.Unlock()
		s.logger.Error("store refuses writes after failed apply", "lsn", rec.LSN, "error", err)
		return werr
	}
	s.lastLSN = rec.LSN
	full := s.active.size >= s.opts.MemtableSize
	s.mu.Unlock()

	// From here on the batch is visible. Later failures only concern
	// durability and are reported as ErrNotDurable.
	var ferr error
	if full {
		ferr = s.freezeLocked()
	}
	s.writeMu.Unlock()
	if full && ferr == nil {
		s.triggerFlush()
	}

	if err := s.wal.WaitFor(pos); err != nil {
		return notDurable("sync", err)
	}
	if ferr != nil {
		return notDurable("freeze", ferr)
	}
	return nil
}

// applyLocked applies rec to the active memtable and updates partition
// counters. All lookups happen before the first mutation, so a failing lookup
// leaves the memtable untouched. Caller holds mu.
func (s *Store) applyLocked(rec *wal.Record) error {
	type change struct {
		op  wal.Op
		ref PartitionRef
		d   Stats
	}
	staged := make(map[string]entry, len(rec.Ops))
	changes := make([]change, 0, len(rec.Ops))

	for _, op := range rec.Ops {
		ref, err := refOf(op.Key)
		if err != nil {
			return err
		}

		var (
			old     []byte
			existed bool
		)
		if e, ok := staged[string(op.Key)]; ok {
			old, existed = e.value, !e.deleted
		} else if old, existed, err = s.lookupLocked(op.Key); err != nil {
			return err
		}

		c := change{op: op, ref: ref}
		switch op.Kind {
		case wal.OpPut:
			c.d = Stats{SizeBytes: int64(len(op.Value))}
			if existed {
				c.d.SizeBytes -= int64(len(old))
			} else {
				c.d.DocCount = 1
			}
			staged[string(op.Key)] = entry{value: op.Value}
		case wal.OpDelete:
			if existed {
				c.d = Stats{SizeBytes: -int64(len(old)), DocCount: -1}
			}
			staged[string(op.Key)] = entry{deleted: true}
		default:
			return fmt.Errorf("unknown op %s", op.Kind)
		}
		changes = append(changes, c)
	}

	for _, c := range changes {
		if c.op.Kind == wal.OpPut {
			s.active.put(c.op.Key, c.op.Value, rec.LSN)
		} else {
			s.active.delete(c.op.Key, rec.LSN)
		}
		s.active.addDelta(c.ref, c.d)
	}
	return nil
}

// lookupLocked resolves key through the memtables and the base store.
// Caller holds mu (read or write).
func (s *Store) lookupLocked(key []byte) ([]byte, bool, error) {
	if e, ok := s.memLookupLocked(key); ok {
		return e.value, !e.deleted, nil
	}
	return s.baseGet(key)
}

func (s *Store) memLookupLocked(key []byte) (entry, bool) {
	if e, ok := s.active.get(key); ok {
		return e, true
	}
	for i := len(s.frozen) - 1; i >= 0; i-- {
		if e, ok := s.frozen[i].get(key); ok {
			return e, true
		}
	}
	return entry{}, false
}

func (s *Store) baseGet(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDocs).Get(key); v != nil {
			value = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Get returns the value stored under key. Failing base store reads are
// retried with exponential backoff.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	s.mu.RLock()
	e, ok := s.memLookupLocked(key)
	s.mu.RUnlock()
	if ok {
		if e.deleted {
			return nil, false, nil
		}
		return bytes.Clone(e.value), true, nil
	}

	var (
		value []byte
		found bool
	)
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
	), s.opts.ReadRetries)
	err := backoff.Retry(func() error {
		var err error
		value, found, err = s.baseGet(key)
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return nil, false, storageErr("get", key, err)
	}
	return value, found, nil
}

// Exists reports whether key holds a value.
func (s *Store) Exists(key []byte) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Scan calls fn for every live key with the given prefix in ascending key
// order. fn returning false stops the scan.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.RLock()
	tables := make([]*memtable, 0, len(s.frozen)+1)
	tables = append(tables, s.frozen...)
	tables = append(tables, s.active)
	// Snapshot the active memtable keys: it keeps changing after RUnlock.
	overlay := make(map[string]entry)
	for _, m := range tables {
		for _, k := range m.sortedKeys(prefix) {
			overlay[k] = m.entries[k]
		}
	}
	s.mu.RUnlock()

	merged := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			merged[string(k)] = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return storageErr("scan", prefix, err)
	}
	for k, e := range overlay {
		if e.deleted {
			delete(merged, k)
		} else {
			merged[k] = e.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), bytes.Clone(merged[k])) {
			return nil
		}
	}
	return nil
}

// PartitionStats returns the live counters of a partition.
func (s *Store) PartitionStats(tenant string, pid uint64) Stats {
	ref := PartitionRef{Tenant: tenant, ID: pid}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.base[ref]
	for _, m := range s.frozen {
		st = st.add(m.deltas[ref])
	}
	return st.add(s.active.deltas[ref])
}

// AllPartitionStats returns the counters of every partition with data.
func (s *Store) AllPartitionStats() map[PartitionRef]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[PartitionRef]Stats, len(s.base))
	for ref, st := range s.base {
		out[ref] = st
	}
	for _, m := range append(append([]*memtable{}, s.frozen...), s.active) {
		for ref, d := range m.deltas {
			out[ref] = out[ref].add(d)
		}
	}
	for ref, st := range out {
		if st.DocCount == 0 && st.SizeBytes == 0 {
			delete(out, ref)
		}
	}
	return out
}

// LastLSN returns the LSN of the newest applied write.
func (s *Store) LastLSN() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLSN
}

// FlushedLSN returns the LSN up to which writes are in the base store.
func (s *Store) FlushedLSN() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushedLSN
}

// Close flushes all memtables and closes the WAL and the base store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(s.done)
	s.wg.Wait()

	var result *multierror.Error
	s.writeMu.Lock()
	if err := s.freezeLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	s.writeMu.Unlock()
	if err := s.flushFrozen(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.wal.Close(); err != nil {
		result = multierror.Append(result, storageErr("close", nil, err))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, storageErr("close", nil, err))
	}
	return result.ErrorOrNil()
}
