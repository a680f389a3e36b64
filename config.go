package docudb

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/hnsw"
	"github.com/hupe1980/docudb/partition"
)

// DefaultHashPartitions is the number of root partitions of a hash collection.
const DefaultHashPartitions = 4

// CollectionConfig configures a collection at creation.
type CollectionConfig struct {
	// PartitionKeyFields names the document fields forming the partition
	// key, outermost first. Documents lacking one of them must carry an
	// explicit PartitionKey. Empty means every document uses the empty key.
	PartitionKeyFields []string
	Strategy           partition.Strategy
	// HashPartitions is the initial number of hash partitions.
	HashPartitions uint32
	// RangeBoundaries are the initial split points of a range collection.
	RangeBoundaries []document.PartitionKey
	// Compression overrides the database's default level. Nil uses the default.
	Compression *codec.Level
	// MaxPartitionSize is the compressed size above which a partition is
	// split. Zero means partition.MaxPartitionSize.
	MaxPartitionSize int64
	VectorIndexes    []VectorIndexConfig
}

// VectorIndexConfig configures an HNSW index over a vector field.
type VectorIndexConfig struct {
	Field          string
	Dimension      int
	Metric         distance.Metric
	M              int
	EfConstruction int
	EfSearch       int
}

func (c CollectionConfig) withDefaults(o options) CollectionConfig {
	if c.Strategy == partition.Hash && c.HashPartitions == 0 {
		c.HashPartitions = DefaultHashPartitions
	}
	if c.Compression == nil {
		level := o.compression
		c.Compression = &level
	}
	if c.MaxPartitionSize <= 0 {
		c.MaxPartitionSize = partition.MaxPartitionSize
	}
	c.PartitionKeyFields = slices.Clone(c.PartitionKeyFields)
	c.RangeBoundaries = slices.Clone(c.RangeBoundaries)
	c.VectorIndexes = slices.Clone(c.VectorIndexes)
	for i := range c.VectorIndexes {
		c.VectorIndexes[i] = c.VectorIndexes[i].withDefaults()
	}
	return c
}

func (c CollectionConfig) validate() error {
	if len(c.PartitionKeyFields) > document.MaxPartitionKeyDepth {
		return fmt.Errorf("%w: %d key fields", document.ErrPartitionKeyTooDeep, len(c.PartitionKeyFields))
	}
	for _, f := range c.PartitionKeyFields {
		if f == "" {
			return document.ErrEmptyFieldName
		}
		if f == document.IDField {
			return fmt.Errorf("%w: %s cannot be a partition key field", document.ErrReservedField, f)
		}
	}
	switch c.Strategy {
	case partition.Hash:
		if len(c.RangeBoundaries) > 0 {
			return errors.New("range boundaries require the range strategy")
		}
	case partition.Range:
		for _, b := range c.RangeBoundaries {
			if b.IsEmpty() {
				return errors.New("range boundaries must not be empty keys")
			}
			if err := b.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown partition strategy %v", c.Strategy)
	}
	if !c.Compression.Valid() {
		return fmt.Errorf("%w: %d", codec.ErrInvalidLevel, *c.Compression)
	}
	seen := make(map[string]bool, len(c.VectorIndexes))
	for _, vc := range c.VectorIndexes {
		if err := vc.validate(); err != nil {
			return err
		}
		if seen[vc.Field] {
			return fmt.Errorf("%w: %s", ErrIndexExists, vc.Field)
		}
		seen[vc.Field] = true
	}
	return nil
}

func (c CollectionConfig) initialTable() (*partition.Table, error) {
	if c.Strategy == partition.Range {
		bounds := make([][]byte, len(c.RangeBoundaries))
		for i, b := range c.RangeBoundaries {
			bounds[i] = b.Encode()
		}
		return partition.NewRangeTable(bounds...)
	}
	return partition.NewHashTable(c.HashPartitions)
}

func (c CollectionConfig) clone() CollectionConfig {
	c.PartitionKeyFields = slices.Clone(c.PartitionKeyFields)
	c.RangeBoundaries = slices.Clone(c.RangeBoundaries)
	c.VectorIndexes = slices.Clone(c.VectorIndexes)
	if c.Compression != nil {
		level := *c.Compression
		c.Compression = &level
	}
	return c
}

func (vc VectorIndexConfig) withDefaults() VectorIndexConfig {
	if vc.M == 0 {
		vc.M = hnsw.DefaultM
	}
	if vc.EfConstruction == 0 {
		vc.EfConstruction = hnsw.DefaultEfConstruction
	}
	if vc.EfSearch == 0 {
		vc.EfSearch = hnsw.DefaultEfSearch
	}
	return vc
}

func (vc VectorIndexConfig) validate() error {
	if vc.Field == "" {
		return document.ErrEmptyFieldName
	}
	if vc.Dimension <= 0 {
		return &hnsw.ErrInvalidDimension{Dimension: vc.Dimension}
	}
	if !vc.Metric.Valid() {
		return fmt.Errorf("unknown metric %v", vc.Metric)
	}
	return nil
}

// catalogEntry is the persisted form of a CollectionConfig.
type catalogEntry struct {
	PartitionKeyFields []string            `msgpack:"partition_key_fields"`
	Strategy           string              `msgpack:"strategy"`
	HashPartitions     uint32              `msgpack:"hash_partitions,omitempty"`
	RangeBoundaries    [][]byte            `msgpack:"range_boundaries,omitempty"`
	Compression        uint8               `msgpack:"compression"`
	MaxPartitionSize   int64               `msgpack:"max_partition_size"`
	VectorIndexes      []VectorIndexConfig `msgpack:"vector_indexes,omitempty"`
}

func newCatalogEntry(c CollectionConfig) catalogEntry {
	e := catalogEntry{
		PartitionKeyFields: c.PartitionKeyFields,
		Strategy:           c.Strategy.String(),
		HashPartitions:     c.HashPartitions,
		MaxPartitionSize:   c.MaxPartitionSize,
		VectorIndexes:      c.VectorIndexes,
	}
	if c.Compression != nil {
		e.Compression = uint8(*c.Compression)
	}
	for _, b := range c.RangeBoundaries {
		e.RangeBoundaries = append(e.RangeBoundaries, b.Encode())
	}
	return e
}

func (e catalogEntry) config() (CollectionConfig, error) {
	strategy, err := partition.ParseStrategy(e.Strategy)
	if err != nil {
		return CollectionConfig{}, err
	}
	level := codec.Level(e.Compression)
	c := CollectionConfig{
		PartitionKeyFields: e.PartitionKeyFields,
		Strategy:           strategy,
		HashPartitions:     e.HashPartitions,
		Compression:        &level,
		MaxPartitionSize:   e.MaxPartitionSize,
		VectorIndexes:      e.VectorIndexes,
	}
	for _, raw := range e.RangeBoundaries {
		k, err := document.DecodePartitionKey(raw)
		if err != nil {
			return CollectionConfig{}, fmt.Errorf("decode range boundary: %w", err)
		}
		c.RangeBoundaries = append(c.RangeBoundaries, k)
	}
	return c, nil
}
