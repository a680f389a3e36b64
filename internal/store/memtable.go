package store

import (
	"bytes"
	"sort"
)

// Stats are the live counters of one partition.
type Stats struct {
	SizeBytes int64
	DocCount  int64
}

func (s Stats) add(o Stats) Stats {
	return Stats{SizeBytes: s.SizeBytes + o.SizeBytes, DocCount: s.DocCount + o.DocCount}
}

type entry struct {
	value   []byte
	deleted bool
}

// memtable holds recent writes in memory. It is mutated only by the writer
// holding Store.mu; once frozen it is read-only.
type memtable struct {
	entries map[string]entry
	deltas  map[PartitionRef]Stats
	size    int64
	maxLSN  uint64
	// segment is the last WAL segment holding records of this memtable; set on freeze.
	segment uint64
}

func newMemtable() *memtable {
	return &memtable{
		entries: make(map[string]entry),
		deltas:  make(map[PartitionRef]Stats),
	}
}

func (m *memtable) get(key []byte) (entry, bool) {
	e, ok := m.entries[string(key)]
	return e, ok
}

func (m *memtable) put(key, value []byte, lsn uint64) {
	m.entries[string(key)] = entry{value: value}
	m.size += int64(len(key) + len(value))
	m.maxLSN = max(m.maxLSN, lsn)
}

func (m *memtable) delete(key []byte, lsn uint64) {
	m.entries[string(key)] = entry{deleted: true}
	m.size += int64(len(key))
	m.maxLSN = max(m.maxLSN, lsn)
}

func (m *memtable) addDelta(ref PartitionRef, d Stats) {
	m.deltas[ref] = m.deltas[ref].add(d)
}

func (m *memtable) empty() bool {
	return len(m.entries) == 0
}

// sortedKeys returns the keys with the given prefix in ascending order.
func (m *memtable) sortedKeys(prefix []byte) []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
