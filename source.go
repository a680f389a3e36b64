package docudb

import (
	"context"
	"fmt"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/internal/store"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
)

// source exposes a collection's partitions to the query executor. Every
// partition read holds the partition lock shared, so a split either
// completes before the read or waits for it.
type source struct {
	c *Collection
}

func (s *source) PartitionKeyFields() []string {
	return s.c.partitionKeyFields()
}

func (s *source) Targets(key document.PartitionKey, full bool) (uint64, []partition.ID) {
	table := s.c.router.Table()
	descs := table.Targets(key, full)
	ids := make([]partition.ID, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	return table.Version, ids
}

func (s *source) Scan(ctx context.Context, pid partition.ID, fn func(doc *document.Document) bool) error {
	mu := s.c.partitionLock(pid)
	mu.RLock()
	defer mu.RUnlock()

	if !s.c.isLive(pid) {
		return fmt.Errorf("%w: %d", query.ErrStalePartition, pid)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.scanPartition(pid, fn)
}

func (s *source) Search(ctx context.Context, pid partition.ID, field string, vec []float32, k, ef int) ([]query.Hit, error) {
	vi := s.c.index(field)
	if vi == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, field)
	}

	mu := s.c.partitionLock(pid)
	mu.RLock()
	defer mu.RUnlock()

	if !s.c.isLive(pid) {
		return nil, fmt.Errorf("%w: %d", query.ErrStalePartition, pid)
	}
	results, err := vi.search(ctx, pid, vec, k, ef)
	if err != nil {
		return nil, err
	}

	hits := make([]query.Hit, 0, len(results))
	for _, r := range results {
		key, err := store.EncodeKey(s.c.name, uint64(pid), r.Key)
		if err != nil {
			return nil, err
		}
		value, ok, err := s.c.db.store.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Deleted after the graph snapshot was taken.
			continue
		}
		doc, err := s.c.decode(value)
		if err != nil {
			return nil, err
		}
		hits = append(hits, query.Hit{Doc: doc, PartitionID: pid, Distance: r.Distance})
	}
	return hits, nil
}
