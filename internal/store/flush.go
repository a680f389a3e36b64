package store

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
)

func (s *Store) triggerFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) runFlusher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.flushCh:
			if err := s.flushFrozen(); err != nil {
				s.logger.Error("background flush failed", "error", err)
			}
		}
	}
}

// Flush freezes the active memtable and writes every frozen memtable to the
// base store before returning.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	err := s.freezeLocked()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	return s.flushFrozen()
}

// freezeLocked seals the WAL segment and moves the active memtable to the
// frozen list. Caller holds writeMu.
func (s *Store) freezeLocked() error {
	s.mu.RLock()
	empty := s.active.empty()
	s.mu.RUnlock()
	if empty {
		return nil
	}

	sealed, err := s.wal.Rotate()
	if err != nil {
		return storageErr("rotate", nil, err)
	}

	s.mu.Lock()
	s.active.segment = sealed
	s.frozen = append(s.frozen, s.active)
	s.active = newMemtable()
	s.mu.Unlock()
	return nil
}

// flushFrozen writes frozen memtables to the base store, oldest first.
func (s *Store) flushFrozen() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.RLock()
		if len(s.frozen) == 0 {
			s.mu.RUnlock()
			s.flushErr = nil
			return nil
		}
		m := s.frozen[0]
		s.mu.RUnlock()

		start := time.Now()
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(20*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), s.opts.FlushRetries)

		err := backoff.RetryNotify(func() error {
			return s.flushOne(m)
		}, b, func(err error, next time.Duration) {
			s.logger.Warn("flush failed, retrying", "error", err, "backoff", next)
		})
		if err != nil {
			s.flushErr = storageErr("flush", nil, err)
			return s.flushErr
		}

		s.logger.Debug("memtable flushed",
			"entries", len(m.entries), "bytes", m.size, "lsn", m.maxLSN,
			"segment", m.segment, "duration", time.Since(start))

		if err := s.wal.RemoveSegmentsThrough(m.segment); err != nil {
			// Harmless: replay skips records at or below the flushed LSN.
			s.logger.Warn("removing flushed wal segments failed", "error", err)
		}
	}
}

// flushOne commits m, the merged counters and the flushed LSN in a single
// bbolt transaction and then drops m from the frozen list.
func (s *Store) flushOne(m *memtable) error {
	if err := s.opts.Resources.AcquireBackground(context.Background()); err != nil {
		return err
	}
	defer s.opts.Resources.ReleaseBackground()
	if err := s.opts.Resources.AcquireIO(context.Background(), int(m.size)); err != nil {
		return err
	}

	s.mu.RLock()
	counters := make(map[PartitionRef]Stats, len(m.deltas))
	for ref, d := range m.deltas {
		counters[ref] = s.base[ref].add(d)
	}
	s.mu.RUnlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		for _, k := range m.sortedKeys(nil) {
			e := m.entries[k]
			var err error
			if e.deleted {
				err = docs.Delete([]byte(k))
			} else {
				err = docs.Put([]byte(k), e.value)
			}
			if err != nil {
				return err
			}
		}

		parts := tx.Bucket(bucketPartitions)
		for ref, st := range counters {
			if st.DocCount == 0 && st.SizeBytes == 0 {
				if err := parts.Delete(encodeRef(ref)); err != nil {
					return err
				}
				continue
			}
			v := make([]byte, 16)
			binary.BigEndian.PutUint64(v[0:], uint64(st.SizeBytes))
			binary.BigEndian.PutUint64(v[8:], uint64(st.DocCount))
			if err := parts.Put(encodeRef(ref), v); err != nil {
				return err
			}
		}

		lsn := make([]byte, 8)
		binary.BigEndian.PutUint64(lsn, m.maxLSN)
		return tx.Bucket(bucketMeta).Put(keyFlushedLSN, lsn)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	for ref, st := range counters {
		if st.DocCount == 0 && st.SizeBytes == 0 {
			delete(s.base, ref)
		} else {
			s.base[ref] = st
		}
	}
	s.frozen = s.frozen[1:]
	s.flushedLSN = max(s.flushedLSN, m.maxLSN)
	s.mu.Unlock()
	return nil
}

// FlushErr returns the error of the last failed flush, if any.
func (s *Store) FlushErr() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushErr
}
