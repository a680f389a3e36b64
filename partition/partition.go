package partition

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// MaxPartitionSize is the size in bytes above which a partition is split (50 GiB).
const MaxPartitionSize int64 = 50 << 30

// maxHashDepth bounds the number of suffix bits used by extendible hashing.
const maxHashDepth = 32

var (
	// ErrPartitionNotFound is returned for unknown partition ids.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrCannotSplit is returned when a partition cannot be divided further.
	ErrCannotSplit = errors.New("partition cannot be split")
	// ErrInvalidSplitPoint is returned when a range split point lies outside
	// the open interval (Low, High).
	ErrInvalidSplitPoint = errors.New("invalid split point")
	// ErrInvalidTable is returned for malformed tables.
	ErrInvalidTable = errors.New("invalid routing table")
)

// ID identifies a partition. IDs are never reused.
type ID uint64

// Strategy is the routing strategy of a collection, fixed at creation.
type Strategy int

const (
	Hash Strategy = iota
	Range
)

func (s Strategy) String() string {
	switch s {
	case Hash:
		return "hash"
	case Range:
		return "range"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ParseStrategy parses "hash" or "range".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hash", "":
		return Hash, nil
	case "range":
		return Range, nil
	default:
		return 0, fmt.Errorf("unknown partition strategy %q", s)
	}
}

// Descriptor describes one partition. Hash partitions use Root, Depth and
// Suffix; range partitions use Low (inclusive) and High (exclusive), where
// nil means unbounded.
type Descriptor struct {
	ID     ID     `msgpack:"id"`
	Parent ID     `msgpack:"parent,omitempty"`
	Root   uint32 `msgpack:"root,omitempty"`
	Depth  uint8  `msgpack:"depth,omitempty"`
	Suffix uint32 `msgpack:"suffix,omitempty"`
	Low    []byte `msgpack:"low,omitempty"`
	High   []byte `msgpack:"high,omitempty"`
}

func (d Descriptor) String() string {
	if d.Low != nil || d.High != nil {
		return fmt.Sprintf("partition %d [%x, %x)", d.ID, d.Low, d.High)
	}
	return fmt.Sprintf("partition %d (root %d, depth %d, suffix %b)", d.ID, d.Root, d.Depth, d.Suffix)
}

func (d Descriptor) matchesHash(root, sub uint32) bool {
	return d.Root == root && sub&depthMask(d.Depth) == d.Suffix
}

func (d Descriptor) containsKey(enc []byte) bool {
	if d.Low != nil && bytes.Compare(enc, d.Low) < 0 {
		return false
	}
	return d.High == nil || bytes.Compare(enc, d.High) < 0
}

// overlaps reports whether [lo, hi) intersects the descriptor's range.
func (d Descriptor) overlaps(lo, hi []byte) bool {
	if hi != nil && d.Low != nil && bytes.Compare(d.Low, hi) >= 0 {
		return false
	}
	return d.High == nil || bytes.Compare(d.High, lo) > 0
}

func depthMask(depth uint8) uint32 {
	if depth >= maxHashDepth {
		return ^uint32(0)
	}
	return uint32(1)<<depth - 1
}
