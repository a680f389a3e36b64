package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/docudb/internal/fs"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync syncs before Append returns. Concurrent appends share one fsync.
	DurabilitySync
)

// String implements fmt.Stringer.
func (d Durability) String() string {
	if d == DurabilityAsync {
		return "async"
	}
	return "sync"
}

// ParseDurability parses "sync" or "async".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return DurabilitySync, nil
	case "async":
		return DurabilityAsync, nil
	default:
		return DurabilitySync, fmt.Errorf("unknown durability %q", s)
	}
}

const (
	walMagic      = "DOCUDBWL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12

	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
	Logger     *slog.Logger
}

// DefaultOptions returns sync durability.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Position identifies the end of an appended record.
type Position struct {
	Segment uint64
	Offset  int64
}

// SegmentName returns the file name of segment id.
func SegmentName(id uint64) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, id, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// WAL is a segmented write-ahead log. Records are appended to the active
// segment; Rotate seals it and starts a new one so that flushed segments can
// be removed as a whole.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	dir    string
	opts   Options
	logger *slog.Logger

	segID uint64
	file  fs.File
	cw    *countingWriter

	// Group commit state
	syncedOffset int64      // Offset of the active segment known to be fsync'd
	syncing      bool       // The syncer is running an fsync outside the lock
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error encountered by background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens the WAL in dir, creating the directory and a first segment when
// needed. If the newest segment ends in a torn record a fresh segment is
// started so that new records never follow garbage.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{
		fs:     fsys,
		dir:    dir,
		opts:   opts,
		logger: logger,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	segs, err := w.Segments()
	if err != nil {
		return nil, err
	}

	next := uint64(1)
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		clean, err := w.segmentIsClean(last)
		if err != nil {
			return nil, err
		}
		next = last
		if !clean {
			logger.Warn("wal segment has a torn tail, starting a new segment", "segment", SegmentName(last))
			next = last + 1
		}
	}

	if err := w.openSegment(next); err != nil {
		return nil, err
	}

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, SegmentName(id))
}

// openSegment opens (or creates) segment id for appending. Caller holds mu or
// has exclusive access.
func (w *WAL) openSegment(id uint64) error {
	f, err := w.fs.OpenFile(w.segmentPath(id), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	offset, err := checkOrWriteHeader(f)
	if err != nil {
		f.Close()
		return err
	}

	w.segID = id
	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriter(f), n: offset}
	w.syncedOffset = offset
	return nil
}

func checkOrWriteHeader(f fs.File) (int64, error) {
	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	offset := stat.Size()

	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			return 0, err
		}
		if err := fs.SyncData(f); err != nil {
			return 0, err
		}
		return walHeaderSize, nil
	}
	if err := readHeader(f, offset); err != nil {
		return 0, err
	}
	return offset, nil
}

func readHeader(f fs.File, size int64) error {
	if size < walHeaderSize {
		return fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

func (w *WAL) segmentIsClean(id uint64) (bool, error) {
	r, err := w.openReader(id)
	if err != nil {
		if errors.Is(err, ErrInvalidHeader) {
			return false, nil
		}
		return false, err
	}
	defer r.Close()
	for {
		_, err := r.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, nil
		}
	}
}

// Segments returns the ids of all segments on disk in ascending order.
func (w *WAL) Segments() ([]uint64, error) {
	entries, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ActiveSegment returns the id of the segment currently appended to.
func (w *WAL) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segID
}

// Size returns the current size of the active segment in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		// Wait until there is data to sync or we are closed
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}

		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n
		file := w.file
		seg := w.segID

		w.syncing = true
		w.mu.Unlock()
		err := fs.SyncData(file)
		w.mu.Lock()
		w.syncing = false

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.logger.Error("wal sync failed", "segment", SegmentName(seg), "error", err)
			w.doneCond.Broadcast()
			return
		}

		if seg == w.segID && target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes a record to the WAL.
// It respects the configured durability mode.
func (w *WAL) Append(rec *Record) error {
	pos, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	return w.WaitFor(pos)
}

// AppendAsync writes a record to the active segment but does not wait for sync.
// It returns the position of the end of the record.
func (w *WAL) AppendAsync(rec *Record) (Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Position{}, os.ErrClosed
	}
	if w.lastErr != nil {
		return Position{}, w.lastErr
	}

	if err := rec.Encode(w.cw); err != nil {
		return Position{}, err
	}
	if err := w.cw.Flush(); err != nil {
		w.lastErr = fmt.Errorf("wal write failed: %w", err)
		return Position{}, w.lastErr
	}

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return Position{Segment: w.segID, Offset: w.cw.n}, nil
}

func (w *WAL) syncedLocked(pos Position) bool {
	return pos.Segment < w.segID || (pos.Segment == w.segID && pos.Offset <= w.syncedOffset)
}

// WaitFor waits until the WAL is synced up to pos. It returns immediately for
// async durability.
func (w *WAL) WaitFor(pos Position) error {
	if w.opts.Durability == DurabilityAsync {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for !w.syncedLocked(pos) && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && !w.syncedLocked(pos) {
		return os.ErrClosed
	}
	return nil
}

// Sync ensures all buffered writes are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		if err := fs.SyncData(w.file); err != nil {
			return err
		}
		w.syncedOffset = w.cw.n
		return nil
	}

	target := Position{Segment: w.segID, Offset: w.cw.n}
	w.syncCond.Signal()
	for !w.syncedLocked(target) && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Rotate seals the active segment and starts the next one. It returns the id
// of the sealed segment; every record appended before Rotate lives in a
// segment with an id less than or equal to it.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}
	for w.syncing {
		w.doneCond.Wait()
	}

	if err := w.cw.Flush(); err != nil {
		return 0, err
	}
	if err := fs.SyncData(w.file); err != nil {
		w.lastErr = fmt.Errorf("wal sync failed: %w", err)
		return 0, w.lastErr
	}
	if err := w.file.Close(); err != nil {
		return 0, err
	}

	sealed := w.segID
	if err := w.openSegment(sealed + 1); err != nil {
		w.lastErr = fmt.Errorf("wal rotate failed: %w", err)
		return 0, w.lastErr
	}
	// Everything in the sealed segment is durable now.
	w.doneCond.Broadcast()
	return sealed, nil
}

// RemoveSegmentsThrough deletes all sealed segments with id <= upTo.
func (w *WAL) RemoveSegmentsThrough(upTo uint64) error {
	active := w.ActiveSegment()
	segs, err := w.Segments()
	if err != nil {
		return err
	}
	for _, id := range segs {
		if id > upTo || id >= active {
			break
		}
		if err := w.fs.Remove(w.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	if err := w.cw.Flush(); err != nil {
		w.closed = true
		w.syncCond.Signal()
		w.mu.Unlock()
		w.wg.Wait()
		w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal() // Wake up syncer to exit
	w.mu.Unlock()

	w.wg.Wait()

	var syncErr error
	if w.lastErr == nil {
		syncErr = fs.SyncData(w.file)
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// Replay calls fn for every record in every segment, oldest first. A torn or
// corrupted tail ends the replay of that segment; the remaining segments are
// still replayed since records after a torn tail were written to a new segment.
func (w *WAL) Replay(fn func(*Record) error) error {
	segs, err := w.Segments()
	if err != nil {
		return err
	}
	for _, id := range segs {
		if err := w.replaySegment(id, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replaySegment(id uint64, fn func(*Record) error) error {
	r, err := w.openReader(id)
	if err != nil {
		if errors.Is(err, ErrInvalidHeader) {
			w.logger.Warn("skipping wal segment with invalid header", "segment", SegmentName(id))
			return nil
		}
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			w.logger.Warn("wal segment ends in a torn record", "segment", SegmentName(id), "offset", r.Offset(), "error", err)
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (w *WAL) openReader(id uint64) (*Reader, error) {
	f, err := w.fs.OpenFile(w.segmentPath(id), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := readHeader(f, stat.Size()); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over the records of one segment.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the offset just past the last valid record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
