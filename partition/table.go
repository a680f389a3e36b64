package partition

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/hupe1980/docudb/document"
	"github.com/spaolacci/murmur3"
)

// Table is an immutable routing snapshot. Never mutate a Table after it has
// been handed to a Router; derive a new one with a split instead.
type Table struct {
	Version    uint64       `msgpack:"version"`
	Strategy   Strategy     `msgpack:"strategy"`
	RootCount  uint32       `msgpack:"root_count,omitempty"`
	Partitions []Descriptor `msgpack:"partitions"`
	NextID     ID           `msgpack:"next_id"`

	// byRoot indexes hash partitions by root bucket.
	byRoot map[uint32][]int
}

// NewHashTable creates a hash table with rootCount partitions.
func NewHashTable(rootCount uint32) (*Table, error) {
	if rootCount == 0 {
		return nil, fmt.Errorf("%w: root count must be positive", ErrInvalidTable)
	}
	t := &Table{Version: 1, Strategy: Hash, RootCount: rootCount}
	for i := uint32(0); i < rootCount; i++ {
		t.Partitions = append(t.Partitions, Descriptor{ID: ID(i), Root: i})
	}
	t.NextID = ID(rootCount)
	t.reindex()
	return t, nil
}

// NewRangeTable creates a range table split at the given encoded boundaries,
// which must be strictly increasing. No boundaries yields one unbounded
// partition.
func NewRangeTable(boundaries ...[]byte) (*Table, error) {
	for _, b := range boundaries {
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: empty boundary", ErrInvalidTable)
		}
	}
	for i := 1; i < len(boundaries); i++ {
		if bytes.Compare(boundaries[i-1], boundaries[i]) >= 0 {
			return nil, fmt.Errorf("%w: boundaries must be strictly increasing", ErrInvalidTable)
		}
	}
	t := &Table{Version: 1, Strategy: Range}
	var low []byte
	for i, b := range boundaries {
		t.Partitions = append(t.Partitions, Descriptor{ID: ID(i), Low: low, High: slices.Clone(b)})
		low = slices.Clone(b)
	}
	t.Partitions = append(t.Partitions, Descriptor{ID: ID(len(boundaries)), Low: low})
	t.NextID = ID(len(t.Partitions))
	return t, nil
}

func (t *Table) reindex() {
	if t.Strategy != Hash {
		return
	}
	t.byRoot = make(map[uint32][]int, t.RootCount)
	for i, d := range t.Partitions {
		t.byRoot[d.Root] = append(t.byRoot[d.Root], i)
	}
}

// Validate checks that every key routes to exactly one partition.
func (t *Table) Validate() error {
	if len(t.Partitions) == 0 {
		return fmt.Errorf("%w: no partitions", ErrInvalidTable)
	}
	seen := make(map[ID]struct{}, len(t.Partitions))
	for _, d := range t.Partitions {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate partition id %d", ErrInvalidTable, d.ID)
		}
		if d.ID >= t.NextID {
			return fmt.Errorf("%w: partition id %d >= next id %d", ErrInvalidTable, d.ID, t.NextID)
		}
		seen[d.ID] = struct{}{}
	}

	switch t.Strategy {
	case Hash:
		if t.RootCount == 0 {
			return fmt.Errorf("%w: root count must be positive", ErrInvalidTable)
		}
		// The suffixes of each root must cover the sub-hash space exactly once:
		// the sum of 2^-depth over its partitions is 1.
		coverage := make(map[uint32]uint64, t.RootCount)
		for _, d := range t.Partitions {
			if d.Root >= t.RootCount || d.Depth > maxHashDepth || d.Suffix&^depthMask(d.Depth) != 0 {
				return fmt.Errorf("%w: bad hash descriptor %v", ErrInvalidTable, d)
			}
			coverage[d.Root] += uint64(1) << (maxHashDepth - d.Depth)
		}
		for root := uint32(0); root < t.RootCount; root++ {
			if coverage[root] != uint64(1)<<maxHashDepth {
				return fmt.Errorf("%w: root %d is not covered exactly once", ErrInvalidTable, root)
			}
		}
	case Range:
		if t.Partitions[0].Low != nil || t.Partitions[len(t.Partitions)-1].High != nil {
			return fmt.Errorf("%w: range table must be unbounded at both ends", ErrInvalidTable)
		}
		for i := 1; i < len(t.Partitions); i++ {
			if !bytes.Equal(t.Partitions[i-1].High, t.Partitions[i].Low) || t.Partitions[i].Low == nil {
				return fmt.Errorf("%w: gap or overlap before partition %d", ErrInvalidTable, t.Partitions[i].ID)
			}
		}
	default:
		return fmt.Errorf("%w: unknown strategy %v", ErrInvalidTable, t.Strategy)
	}
	return nil
}

// Hash64 returns the routing hash of an encoded key.
func Hash64(enc []byte) uint64 {
	return murmur3.Sum64(enc)
}

// Route returns the partition owning key.
func (t *Table) Route(key document.PartitionKey) Descriptor {
	return t.RouteEncoded(key.Encode())
}

// RouteEncoded returns the partition owning the encoded key.
func (t *Table) RouteEncoded(enc []byte) Descriptor {
	if t.Strategy == Hash {
		h := Hash64(enc)
		root := uint32(h % uint64(t.RootCount))
		sub := uint32(h >> 32)
		for _, i := range t.byRoot[root] {
			if t.Partitions[i].matchesHash(root, sub) {
				return t.Partitions[i]
			}
		}
		// Unreachable for a validated table.
		panic(fmt.Sprintf("partition: no partition for root %d sub %x in table version %d", root, sub, t.Version))
	}

	// First partition whose Low is above enc, minus one.
	i := sort.Search(len(t.Partitions), func(i int) bool {
		low := t.Partitions[i].Low
		return low != nil && bytes.Compare(low, enc) > 0
	})
	return t.Partitions[i-1]
}

// Partition returns the descriptor with the given id.
func (t *Table) Partition(id ID) (Descriptor, bool) {
	for _, d := range t.Partitions {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// IDs returns all partition ids in table order.
func (t *Table) IDs() []ID {
	ids := make([]ID, len(t.Partitions))
	for i, d := range t.Partitions {
		ids[i] = d.ID
	}
	return ids
}

// Targets returns the partitions a query has to visit. With full set, key
// pins every partition-key component and exactly one partition is returned.
// Otherwise key is a (possibly empty) prefix: range tables return the
// partitions overlapping the prefix, hash tables return all partitions.
func (t *Table) Targets(key document.PartitionKey, full bool) []Descriptor {
	if full {
		return []Descriptor{t.Route(key)}
	}
	if key.IsEmpty() || t.Strategy == Hash {
		return slices.Clone(t.Partitions)
	}

	lo := key.Encode()
	hi := prefixEnd(lo)
	var out []Descriptor
	for _, d := range t.Partitions {
		if d.overlaps(lo, hi) {
			out = append(out, d)
		}
	}
	return out
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// split derives the next table version with parent replaced by two children.
// point is only used for range tables.
func (t *Table) split(parentID ID, point []byte) (*Table, [2]Descriptor, error) {
	var children [2]Descriptor

	idx := -1
	for i, d := range t.Partitions {
		if d.ID == parentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, children, fmt.Errorf("%w: %d", ErrPartitionNotFound, parentID)
	}
	parent := t.Partitions[idx]

	switch t.Strategy {
	case Hash:
		if parent.Depth >= maxHashDepth {
			return nil, children, fmt.Errorf("%w: %v has reached max depth", ErrCannotSplit, parent)
		}
		children[0] = Descriptor{ID: t.NextID, Parent: parent.ID, Root: parent.Root, Depth: parent.Depth + 1, Suffix: parent.Suffix}
		children[1] = Descriptor{ID: t.NextID + 1, Parent: parent.ID, Root: parent.Root, Depth: parent.Depth + 1, Suffix: parent.Suffix | 1<<parent.Depth}
	case Range:
		if len(point) == 0 || !parent.containsKey(point) || bytes.Equal(point, parent.Low) {
			return nil, children, fmt.Errorf("%w: %x for %v", ErrInvalidSplitPoint, point, parent)
		}
		p := slices.Clone(point)
		children[0] = Descriptor{ID: t.NextID, Parent: parent.ID, Low: parent.Low, High: p}
		children[1] = Descriptor{ID: t.NextID + 1, Parent: parent.ID, Low: p, High: parent.High}
	}

	next := &Table{
		Version:   t.Version + 1,
		Strategy:  t.Strategy,
		RootCount: t.RootCount,
		NextID:    t.NextID + 2,
	}
	next.Partitions = make([]Descriptor, 0, len(t.Partitions)+1)
	next.Partitions = append(next.Partitions, t.Partitions[:idx]...)
	next.Partitions = append(next.Partitions, children[0], children[1])
	next.Partitions = append(next.Partitions, t.Partitions[idx+1:]...)
	next.reindex()
	return next, children, nil
}

// MedianSplitPoint returns the median of the distinct sampled keys, which
// leaves at least one sampled key on each side. keys need not be sorted.
func MedianSplitPoint(keys [][]byte) ([]byte, error) {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, bytes.Compare)
	sorted = slices.CompactFunc(sorted, bytes.Equal)
	if len(sorted) < 2 {
		return nil, fmt.Errorf("%w: fewer than two distinct keys", ErrCannotSplit)
	}
	return slices.Clone(sorted[len(sorted)/2]), nil
}
