package docudb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/internal/store"
	"github.com/hupe1980/docudb/internal/wal"
	"github.com/hupe1980/docudb/partition"
)

const (
	migrateBatchSize = 256
	// keepTableVersions is the number of routing table versions kept after a split.
	keepTableVersions = 4
	// splitRetryGrowth is the factor by which a partition that could not be
	// split must grow before the next automatic attempt.
	splitRetryGrowth = 2
)

// SplitInfo describes a completed split.
type SplitInfo struct {
	Parent       partition.ID
	Children     [2]partition.ID
	TableVersion uint64
	Duration     time.Duration
}

// Split divides a partition into two children and publishes a new routing
// table. Writes to the partition wait for the split; queries that routed to
// it before the split are re-routed.
func (c *Collection) Split(ctx context.Context, pid partition.ID) (*SplitInfo, error) {
	if err := c.checkOpen(); err != nil {
		return nil, c.wrap("split", err)
	}
	start := time.Now()

	mu := c.partitionLock(pid)
	mu.Lock()
	res, err := c.router.Split(ctx, pid, &migrator{c: c})
	mu.Unlock()

	duration := time.Since(start)
	c.metrics.RecordSplit(duration, err)
	if err != nil {
		c.logger.LogSplit(ctx, uint64(pid), nil, 0, err)
		if errors.Is(err, partition.ErrPartitionNotFound) {
			return nil, &Error{Kind: KindNotFound, Op: "split", Collection: c.name, Partition: &pid, Err: err}
		}
		return nil, &Error{Kind: classify(err), Op: "split", Collection: c.name, Partition: &pid, Err: err}
	}

	info := &SplitInfo{
		Parent:       res.Parent.ID,
		Children:     [2]partition.ID{res.Children[0].ID, res.Children[1].ID},
		TableVersion: res.Table.Version,
		Duration:     duration,
	}
	c.logger.LogSplit(ctx, uint64(pid), []uint64{uint64(info.Children[0]), uint64(info.Children[1])}, info.TableVersion, nil)
	return info, nil
}

// maybeSplit starts a background split of pid once its compressed size
// exceeds the configured maximum.
func (c *Collection) maybeSplit(pid partition.ID) {
	c.cfgMu.RLock()
	limit := c.cfg.MaxPartitionSize
	c.cfgMu.RUnlock()

	st := c.db.store.PartitionStats(c.name, uint64(pid))
	if st.SizeBytes <= limit || st.DocCount < 2 {
		return
	}
	if mark, ok := c.splitFailed.Load(pid); ok && st.SizeBytes < mark.(int64)*splitRetryGrowth {
		return
	}
	if _, busy := c.splitting.LoadOrStore(pid, struct{}{}); busy {
		return
	}

	started := c.db.goBackground(func() {
		defer c.splitting.Delete(pid)
		_, err := c.Split(context.Background(), pid)
		if err == nil {
			c.splitFailed.Delete(pid)
			return
		}
		if errors.Is(err, partition.ErrCannotSplit) {
			// Only new keys can make the partition splittable; wait for it
			// to grow before scanning it again.
			c.splitFailed.Store(pid, st.SizeBytes)
		}
		c.logger.Warn("automatic split failed", "partition", uint64(pid), "size_bytes", st.SizeBytes, "error", err)
	})
	if !started {
		c.splitting.Delete(pid)
	}
}

// migrator moves documents between partitions of one collection.
type migrator struct {
	c *Collection
}

// SplitPoint picks the median partition key of the parent.
func (m *migrator) SplitPoint(ctx context.Context, parent partition.Descriptor) ([]byte, error) {
	var keys [][]byte
	err := m.c.scanPartition(parent.ID, func(doc *document.Document) bool {
		keys = append(keys, doc.PartitionKey.Encode())
		return ctx.Err() == nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return partition.MedianSplitPoint(keys)
}

// Migrate copies every document of the parent into the child the next
// table routes it to and builds the children's vector indexes.
func (m *migrator) Migrate(ctx context.Context, parent partition.Descriptor, next *partition.Table, children [2]partition.Descriptor) error {
	c := m.c
	res := c.db.res
	if err := res.AcquireBackground(ctx); err != nil {
		return err
	}
	defer res.ReleaseBackground()

	indexes := c.indexList()
	var (
		batch     []wal.Op
		batchSize int
		werr      error
		moved     [2]int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := res.AcquireIO(ctx, batchSize); err != nil {
			return err
		}
		if err := c.db.store.WriteBatch(ctx, batch); err != nil {
			return err
		}
		batch, batchSize = nil, 0
		return nil
	}

	err := c.db.store.Scan(store.PartitionPrefix(c.name, uint64(parent.ID)), func(_, value []byte) bool {
		if werr = ctx.Err(); werr != nil {
			return false
		}
		doc, err := c.decode(value)
		if err != nil {
			werr = err
			return false
		}
		child := next.RouteEncoded(doc.PartitionKey.Encode())
		switch child.ID {
		case children[0].ID:
			moved[0]++
		case children[1].ID:
			moved[1]++
		default:
			werr = fmt.Errorf("document %q of %v routes to partition %d", doc.ID, parent, child.ID)
			return false
		}

		key, err := store.EncodeKey(c.name, uint64(child.ID), doc.ID)
		if err != nil {
			werr = err
			return false
		}
		batch = append(batch, wal.Op{Kind: wal.OpPut, Key: key, Value: value})
		batchSize += len(key) + len(value)
		for _, vi := range indexes {
			if err := vi.put(ctx, child.ID, doc); err != nil {
				werr = err
				return false
			}
		}
		if len(batch) >= migrateBatchSize {
			werr = flush()
		}
		return werr == nil
	})
	if err == nil {
		err = werr
	}
	if err == nil {
		err = flush()
	}
	if err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "partition migrated",
		"parent", uint64(parent.ID),
		"left", moved[0],
		"right", moved[1],
	)
	return nil
}

// Rollback removes whatever Migrate wrote into the children.
func (m *migrator) Rollback(ctx context.Context, _ partition.Descriptor, children [2]partition.Descriptor) error {
	for _, child := range children {
		if err := m.c.deletePartition(ctx, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes the parent's documents once the new table is published.
func (m *migrator) Cleanup(ctx context.Context, parent partition.Descriptor) error {
	if err := m.c.deletePartition(ctx, parent.ID); err != nil {
		return err
	}
	if _, err := m.c.tables.Prune(ctx, keepTableVersions); err != nil {
		m.c.logger.Warn("pruning routing tables failed", "error", err)
	}
	return nil
}
