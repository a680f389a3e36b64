package docudb

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/internal/fs"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/testutil"
)

func TestSplitRollsBackWhenTableCannotBePersisted(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	db := openTestDB(t, "", withFileSystem(ffs))
	c := createUsers(t, db, CollectionConfig{HashPartitions: 1})
	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 4, distance.Euclidean))

	vecs := testutil.NewRNG(13).UnitVectors(40, 4)
	for i, v := range vecs {
		doc := userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("t%02d", i), i)
		doc.Set("embedding", document.Vector(v))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}
	before := partitionInfo(t, c, 0)

	ffs.AddRule(partition.TableFileName(2), fs.Fault{FailOnOpen: true, FailAfterBytes: -1})
	_, err := c.Split(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrInjected)

	// The old table stays published and the children hold nothing.
	assert.EqualValues(t, 1, c.TableVersion())
	parts := c.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, before, parts[0])
	for ref, st := range db.store.AllPartitionStats() {
		if ref.Tenant == c.name && ref.ID != 0 {
			assert.Zero(t, st.DocCount, "partition %d", ref.ID)
		}
	}
	for _, child := range []partition.ID{1, 2} {
		idx, err := c.index("embedding").partition(child, false)
		require.NoError(t, err)
		assert.Nil(t, idx, "partition %d", child)
	}

	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, res.TotalCount)
	for i := range vecs {
		_, err := c.Get(ctx, fmt.Sprintf("u%02d", i), document.Key(document.StringComponent(fmt.Sprintf("t%02d", i))))
		require.NoError(t, err)
	}

	ffs.Reset()
	info, err := c.Split(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.TableVersion)

	res, err = c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, res.TotalCount)
	vs, err := c.VectorSearch("embedding", vecs[9]).TopK(1).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, vs.Results, 1)
	assert.Equal(t, "u09", vs.Results[0].DocID)
}

func TestWritesAndQueriesDuringSplit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 1})

	const preloaded, written = 300, 300
	for i := 0; i < preloaded; i++ {
		_, err := c.Insert(ctx, userDoc(fmt.Sprintf("p%03d", i), fmt.Sprintf("t%03d", i), i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := c.Split(ctx, 0)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < written; i++ {
			_, err := c.Insert(ctx, userDoc(fmt.Sprintf("w%03d", i), fmt.Sprintf("t%03d", i), i))
			if !assert.NoError(t, err) {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			res, err := c.Find().Execute(ctx)
			if !assert.NoError(t, err) {
				return
			}
			assert.False(t, res.Partial)
			assert.GreaterOrEqual(t, res.TotalCount, preloaded)
			seen := make(map[string]bool, len(res.Documents))
			for _, doc := range res.Documents {
				assert.False(t, seen[doc.ID], "duplicate %s", doc.ID)
				seen[doc.ID] = true
			}
		}
	}()
	wg.Wait()

	assert.EqualValues(t, 2, c.TableVersion())
	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, preloaded+written, res.TotalCount)
	ids := docIDs(res.Documents)
	assert.Len(t, ids, preloaded+written)

	var total int64
	for _, p := range c.Partitions() {
		total += p.DocCount
	}
	assert.EqualValues(t, preloaded+written, total)
}

func TestUnsplittablePartitionBacksOff(t *testing.T) {
	ctx := context.Background()
	mc := &BasicMetricsCollector{}
	db := openTestDB(t, "", WithMetricsCollector(mc))
	none := codec.None
	c := createUsers(t, db, CollectionConfig{
		Strategy:         partition.Range,
		Compression:      &none,
		MaxPartitionSize: 4 << 10,
	})

	for i := 0; i < 200; i++ {
		doc := userDoc(fmt.Sprintf("u%03d", i), "acme", i)
		doc.Set("bio", document.String(fmt.Sprintf("%064d", i)))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
		db.wg.Wait()
	}

	parts := c.Partitions()
	require.Len(t, parts, 1)
	_, failed := c.splitFailed.Load(parts[0].ID)
	assert.True(t, failed)

	stats := mc.GetStats()
	assert.Equal(t, stats.SplitCount, stats.SplitErrors)
	assert.GreaterOrEqual(t, stats.SplitErrors, int64(1))
	// Each attempt needs the partition to have doubled since the last one.
	assert.LessOrEqual(t, stats.SplitErrors, int64(4))
}
