package docudb

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docudb/codec"
	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
	"github.com/hupe1980/docudb/testutil"
)

func openTestDB(t *testing.T, dir string, opts ...Option) *DB {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	db, err := Open(context.Background(), dir, append([]Option{WithDurability(DurabilityAsync)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createUsers(t *testing.T, db *DB, cfg CollectionConfig) *Collection {
	t.Helper()
	if cfg.PartitionKeyFields == nil {
		cfg.PartitionKeyFields = []string{"tenant"}
	}
	c, err := db.CreateCollection(context.Background(), "users", cfg)
	require.NoError(t, err)
	return c
}

func userDoc(id, tenant string, level int) *document.Document {
	return document.New(id, document.Fields{
		"tenant": document.String(tenant),
		"level":  document.Int(int64(level)),
	})
}

func docIDs(docs []*document.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func partitionInfo(t *testing.T, c *Collection, pid partition.ID) PartitionInfo {
	t.Helper()
	for _, p := range c.Partitions() {
		if p.ID == pid {
			return p
		}
	}
	t.Fatalf("partition %d not found", pid)
	return PartitionInfo{}
}

func TestInsertRejectsOversizedDocument(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	doc := document.New("big", document.Fields{
		"tenant":  document.String("acme"),
		"payload": document.Bytes(bytes.Repeat([]byte{'x'}, 5<<20)),
	})
	_, err := c.Insert(ctx, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(err))

	for _, p := range c.Partitions() {
		assert.Zero(t, p.DocCount)
		assert.Zero(t, p.SizeBytes)
	}
}

func TestSameKeyLandsInSamePartition(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 8})

	var pid partition.ID
	for i := 0; i < 3; i++ {
		res, err := c.Insert(ctx, userDoc(fmt.Sprintf("u%d", i), "acme", i))
		require.NoError(t, err)
		if i == 0 {
			pid = res.PartitionID
		}
		assert.Equal(t, pid, res.PartitionID)
		assert.Greater(t, res.SizeBytes, 0)
		assert.Greater(t, res.CompressionRatio, 0.0)
	}

	info := partitionInfo(t, c, pid)
	assert.EqualValues(t, 3, info.DocCount)
	assert.Positive(t, info.SizeBytes)

	got, err := c.Get(ctx, "u1", document.Key(document.StringComponent("acme")))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	level, _ := got.Get("level")
	assert.Equal(t, document.Int(1), level)
}

func TestInsertAssignsIDAndRequiresKey(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	res, err := c.Insert(ctx, userDoc("", "acme", 1))
	require.NoError(t, err)
	assert.Len(t, res.ID, 36)

	_, err = c.Insert(ctx, document.New("nokey", document.Fields{"level": document.Int(1)}))
	assert.ErrorIs(t, err, ErrMissingPartitionKey)
	assert.ErrorIs(t, err, ErrValidation)

	explicit := document.New("explicit", document.Fields{"level": document.Int(1)})
	explicit.PartitionKey = document.Key(document.StringComponent("globex"))
	_, err = c.Insert(ctx, explicit)
	require.NoError(t, err)

	_, err = c.Get(ctx, "explicit", document.Key(document.StringComponent("globex")))
	require.NoError(t, err)

	_, err = c.Get(ctx, "missing", document.Key(document.StringComponent("globex")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRejectsContradictingExplicitKey(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 16})

	doc := userDoc("u1", "acme", 1)
	doc.PartitionKey = document.Key(document.StringComponent("globex"))
	_, err := c.Insert(ctx, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartitionKeyMismatch)
	assert.ErrorIs(t, err, ErrValidation)

	doc.PartitionKey = document.Key(document.StringComponent("acme"), document.NumberComponent(1))
	_, err = c.Insert(ctx, doc)
	assert.ErrorIs(t, err, ErrPartitionKeyMismatch)

	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TotalCount)

	doc.PartitionKey = document.Key(document.StringComponent("acme"))
	_, err = c.Insert(ctx, doc)
	require.NoError(t, err)

	pinned, err := c.Query("tenant = 'acme'").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pinned.Partitions)
	assert.Equal(t, []string{"u1"}, docIDs(pinned.Documents))
}

func TestInsertBatchValidatesFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	docs := []*document.Document{
		userDoc("a", "acme", 1),
		userDoc("b", "globex", 2),
		document.New("c", document.Fields{"level": document.Int(3)}),
	}
	_, err := c.InsertBatch(ctx, docs)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)

	results, err := c.InsertBatch(ctx, docs[:2])
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)

	res, err = c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
}

func TestQueryWithParameter(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	for i, level := range []int{10, 42, 30, 55} {
		_, err := c.Insert(ctx, userDoc(fmt.Sprintf("u%d", i), []string{"acme", "globex"}[i%2], level))
		require.NoError(t, err)
	}

	res, err := c.Query("level > @min_level").
		Param("min_level", 40).
		OrderBy("level", false).
		Execute(ctx)
	require.NoError(t, err)

	levels := make([]int64, len(res.Documents))
	for i, d := range res.Documents {
		v, _ := d.Get("level")
		levels[i], _ = v.AsInt64()
	}
	assert.Equal(t, []int64{42, 55}, levels)
	assert.Equal(t, 2, res.TotalCount)
	assert.False(t, res.Partial)
	assert.Equal(t, DefaultHashPartitions, res.Partitions)

	_, err = c.Query("level > @min_level").Execute(ctx)
	assert.ErrorIs(t, err, ErrQuery)

	_, err = c.Query("level >").Execute(ctx)
	assert.ErrorIs(t, err, ErrQuery)
}

func TestQueryPrunesToPinnedPartition(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 8})

	for i := 0; i < 20; i++ {
		_, err := c.Insert(ctx, userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("t%d", i%5), i))
		require.NoError(t, err)
	}

	res, err := c.Query("tenant = 't3' AND level >= 0").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Partitions)
	assert.ElementsMatch(t, []string{"u03", "u08", "u13", "u18"}, docIDs(res.Documents))
}

func TestQueryPagination(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	for i := 0; i < 25; i++ {
		_, err := c.Insert(ctx, userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("t%d", i%3), i))
		require.NoError(t, err)
	}

	var (
		seen  []string
		token string
		pages int
	)
	for {
		res, err := c.Find().OrderBy("level", true).Limit(10).After(token).Execute(ctx)
		require.NoError(t, err)
		pages++
		seen = append(seen, docIDs(res.Documents)...)
		token = res.ContinuationToken
		if token == "" {
			break
		}
		require.Less(t, pages, 10)
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 25)
	assert.Equal(t, "u24", seen[0])
	assert.Equal(t, "u00", seen[24])

	_, err := c.Find().OrderBy("level", false).After(token + "garbage").Execute(ctx)
	assert.ErrorIs(t, err, ErrQuery)
}

func TestQueryCacheHitAndInvalidation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	_, err := c.Insert(ctx, userDoc("a", "acme", 50))
	require.NoError(t, err)

	run := func() *QueryResult {
		res, err := c.Query("level > 40").Execute(ctx)
		require.NoError(t, err)
		return res
	}

	first := run()
	assert.False(t, first.FromCache)
	assert.Len(t, first.Documents, 1)

	second := run()
	assert.True(t, second.FromCache)
	assert.Equal(t, docIDs(first.Documents), docIDs(second.Documents))

	// Mutating a cached result must not leak into the cache.
	second.Documents[0].Set("level", document.Int(0))
	third := run()
	v, _ := third.Documents[0].Get("level")
	assert.Equal(t, document.Int(50), v)

	_, err = c.Insert(ctx, userDoc("b", "globex", 60))
	require.NoError(t, err)
	_, err = c.Insert(ctx, userDoc("c", "acme", 70))
	require.NoError(t, err)

	fourth := run()
	assert.False(t, fourth.FromCache)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, docIDs(fourth.Documents))

	stats := c.CacheStats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.Positive(t, stats.Invalidations)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	for i := 0; i < 6; i++ {
		doc := userDoc(fmt.Sprintf("u%d", i), "acme", i)
		doc.Set("region", document.String([]string{"eu", "us"}[i%2]))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}

	n, err := c.Update().Set("status", "archived").Set("meta.by", "test").WhereEq("region", "eu").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := c.Query("status = 'archived'").Execute(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u0", "u2", "u4"}, docIDs(res.Documents))
	by, ok := res.Documents[0].Get("meta.by")
	require.True(t, ok)
	assert.Equal(t, document.String("test"), by)

	_, err = c.Update().Set("tenant", "globex").Execute(ctx)
	assert.ErrorIs(t, err, ErrImmutableField)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.Update().Set("_id", "x").Execute(ctx)
	assert.ErrorIs(t, err, ErrImmutableField)

	n, err = c.Delete().WhereEq("region", "us").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.Get(ctx, "u1", document.Key(document.StringComponent("acme")))
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalCount)

	n, err = c.Delete().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, p := range c.Partitions() {
		assert.Zero(t, p.DocCount)
	}
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})
	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 8, distance.Cosine))

	rng := testutil.NewRNG(7)
	vecs := rng.UnitVectors(40, 8)
	for i, v := range vecs {
		doc := userDoc(fmt.Sprintf("v%02d", i), fmt.Sprintf("t%d", i%4), i)
		doc.Set("embedding", document.Vector(v))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}

	vs, err := c.VectorSearch("embedding", vecs[17]).TopK(5).Execute(ctx)
	require.NoError(t, err)
	results := vs.Results
	require.Len(t, results, 5)
	assert.Equal(t, "v17", results[0].DocID)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
	assert.InDelta(t, 1, results[0].Score, 1e-5)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}

	vs, err = c.VectorSearch("embedding", vecs[17]).
		TopK(3).
		Filter("level < @max").
		Param("max", 10).
		Execute(ctx)
	require.NoError(t, err)
	filtered := vs.Results
	require.NotEmpty(t, filtered)
	for _, r := range filtered {
		v, _ := r.Document.Get("level")
		lvl, _ := v.AsInt64()
		assert.Less(t, lvl, int64(10))
	}

	_, err = c.VectorSearch("missing", vecs[0]).Execute(ctx)
	assert.ErrorIs(t, err, ErrVectorSearch)

	bad := userDoc("bad", "acme", 1)
	bad.Set("embedding", document.Vector([]float32{1, 2}))
	_, err = c.Insert(ctx, bad)
	assert.Equal(t, KindVectorSearch, KindOf(err))
}

func TestVectorSearchDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})
	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 1536, distance.Cosine))

	_, err := c.VectorSearch("embedding", make([]float32, 10)).TopK(3).Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVectorSearch)
	assert.Equal(t, KindVectorSearch, KindOf(err))

	err = c.CreateVectorIndex(ctx, "embedding", 4, distance.Cosine)
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestCreateVectorIndexBackfills(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{})

	vecs := testutil.NewRNG(3).UnitVectors(12, 4)
	for i, v := range vecs {
		doc := userDoc(fmt.Sprintf("v%d", i), "acme", i)
		doc.Set("embedding", document.Vector(v))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}
	_, err := c.Insert(ctx, userDoc("plain", "acme", 99))
	require.NoError(t, err)

	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 4, distance.Euclidean))

	vs, err := c.VectorSearch("embedding", vecs[5]).TopK(1).Execute(ctx)
	require.NoError(t, err)
	results := vs.Results
	require.Len(t, results, 1)
	assert.Equal(t, "v5", results[0].DocID)

	vectors := 0
	for _, p := range c.Partitions() {
		vectors += p.Vectors
	}
	assert.Equal(t, 12, vectors)
}

func TestManualHashSplitConservesDocuments(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 1})
	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 4, distance.Cosine))

	vecs := testutil.NewRNG(11).UnitVectors(60, 4)
	for i := 0; i < 60; i++ {
		doc := userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("t%02d", i), i)
		doc.Set("embedding", document.Vector(vecs[i]))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}
	before := partitionInfo(t, c, 0)
	require.EqualValues(t, 60, before.DocCount)

	info, err := c.Split(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, partition.ID(0), info.Parent)
	assert.EqualValues(t, 2, info.TableVersion)

	parts := c.Partitions()
	require.Len(t, parts, 2)
	assert.Equal(t, before.DocCount, parts[0].DocCount+parts[1].DocCount)
	assert.Equal(t, before.SizeBytes, parts[0].SizeBytes+parts[1].SizeBytes)
	assert.Equal(t, 60, parts[0].Vectors+parts[1].Vectors)

	for i := 0; i < 60; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("u%02d", i), document.Key(document.StringComponent(fmt.Sprintf("t%02d", i))))
		require.NoError(t, err)
	}
	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, res.TotalCount)

	vs, err := c.VectorSearch("embedding", vecs[42]).TopK(1).Execute(ctx)
	require.NoError(t, err)
	results := vs.Results
	require.Len(t, results, 1)
	assert.Equal(t, "u42", results[0].DocID)

	_, err = c.Split(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManualRangeSplit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{
		Strategy:        partition.Range,
		RangeBoundaries: []document.PartitionKey{document.Key(document.StringComponent("m"))},
	})
	require.Len(t, c.Partitions(), 2)

	for i := 0; i < 20; i++ {
		_, err := c.Insert(ctx, userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("a%02d", i), i))
		require.NoError(t, err)
	}
	low := c.router.Route(document.Key(document.StringComponent("a00"))).ID

	info, err := c.Split(ctx, low)
	require.NoError(t, err)

	left := partitionInfo(t, c, info.Children[0])
	right := partitionInfo(t, c, info.Children[1])
	assert.Positive(t, left.DocCount)
	assert.Positive(t, right.DocCount)
	assert.EqualValues(t, 20, left.DocCount+right.DocCount)

	res, err := c.Query("tenant PREFIX 'a'").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, res.TotalCount)
}

func TestAutomaticSplit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	none := codec.None
	c := createUsers(t, db, CollectionConfig{
		HashPartitions:   1,
		Compression:      &none,
		MaxPartitionSize: 4 << 10,
	})

	for i := 0; i < 120; i++ {
		doc := userDoc(fmt.Sprintf("u%03d", i), fmt.Sprintf("t%03d", i), i)
		doc.Set("bio", document.String(fmt.Sprintf("%064d", i)))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}
	db.wg.Wait()

	parts := c.Partitions()
	assert.Greater(t, len(parts), 1)
	assert.Greater(t, c.TableVersion(), uint64(1))

	var total int64
	for _, p := range parts {
		total += p.DocCount
	}
	assert.EqualValues(t, 120, total)

	res, err := c.Find().Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, res.TotalCount)
	assert.False(t, res.Partial)
}

func TestReopenRecoversCollections(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	vecs := testutil.NewRNG(5).UnitVectors(20, 6)
	func() {
		db, err := Open(ctx, dir)
		require.NoError(t, err)
		defer db.Close()

		c, err := db.CreateCollection(ctx, "users", CollectionConfig{
			PartitionKeyFields: []string{"tenant"},
			HashPartitions:     2,
			VectorIndexes:      []VectorIndexConfig{{Field: "embedding", Dimension: 6, Metric: distance.Cosine}},
		})
		require.NoError(t, err)

		for i, v := range vecs {
			doc := userDoc(fmt.Sprintf("u%02d", i), fmt.Sprintf("t%d", i%4), i)
			doc.Set("embedding", document.Vector(v))
			_, err := c.Insert(ctx, doc)
			require.NoError(t, err)
		}
		_, err = c.Split(ctx, 0)
		require.NoError(t, err)
		_, err = db.CreateCollection(ctx, "events", CollectionConfig{Strategy: partition.Range})
		require.NoError(t, err)
	}()

	db := openTestDB(t, dir)
	assert.Equal(t, []string{"events", "users"}, db.Collections())

	c, err := db.Collection("users")
	require.NoError(t, err)
	assert.Len(t, c.Partitions(), 3)
	assert.EqualValues(t, 2, c.TableVersion())

	got, err := c.Get(ctx, "u07", document.Key(document.StringComponent("t3")))
	require.NoError(t, err)
	level, _ := got.Get("level")
	assert.Equal(t, document.Int(7), level)

	vs, err := c.VectorSearch("embedding", vecs[7]).TopK(1).Execute(ctx)
	require.NoError(t, err)
	results := vs.Results
	require.Len(t, results, 1)
	assert.Equal(t, "u07", results[0].DocID)

	events, err := db.Collection("events")
	require.NoError(t, err)
	assert.Equal(t, partition.Range, events.Config().Strategy)
}

func TestCollectionLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	createUsers(t, db, CollectionConfig{})

	_, err := db.CreateCollection(ctx, "users", CollectionConfig{})
	assert.ErrorIs(t, err, ErrCollectionExists)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = db.CreateCollection(ctx, "bad/name", CollectionConfig{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = db.CreateCollection(ctx, "ranged", CollectionConfig{
		RangeBoundaries: []document.PartitionKey{document.Key(document.StringComponent("m"))},
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = db.CreateCollection(ctx, "ranged", CollectionConfig{
		Strategy:        partition.Range,
		RangeBoundaries: []document.PartitionKey{document.Key(), document.Key(document.StringComponent("m"))},
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotContains(t, db.Collections(), "ranged")

	_, err = db.Collection("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := db.Collection("users")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = c.Insert(ctx, userDoc("late", "acme", 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestMetricsAreRecorded(t *testing.T) {
	ctx := context.Background()
	mc := &BasicMetricsCollector{}
	db := openTestDB(t, "", WithMetricsCollector(mc))
	c := createUsers(t, db, CollectionConfig{})

	_, err := c.Insert(ctx, userDoc("a", "acme", 1))
	require.NoError(t, err)
	_, err = c.Insert(ctx, document.New("b", nil))
	require.Error(t, err)
	_, err = c.Find().Execute(ctx)
	require.NoError(t, err)
	_, err = c.Find().Execute(ctx)
	require.NoError(t, err)

	stats := mc.GetStats()
	assert.EqualValues(t, 2, stats.InsertCount)
	assert.EqualValues(t, 1, stats.InsertErrors)
	assert.EqualValues(t, 1, stats.QueryCount)
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 1, stats.CacheMisses)
}

func TestCompactIndexesAfterDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")
	c := createUsers(t, db, CollectionConfig{HashPartitions: 2})
	require.NoError(t, c.CreateVectorIndex(ctx, "embedding", 4, distance.Euclidean))

	vecs := testutil.NewRNG(9).UnitVectors(10, 4)
	for i, v := range vecs {
		doc := userDoc(fmt.Sprintf("v%d", i), "acme", i)
		doc.Set("embedding", document.Vector(v))
		_, err := c.Insert(ctx, doc)
		require.NoError(t, err)
	}

	n, err := c.Delete().Where(query.Lt("level", query.Lit(4))).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	removed, err := c.CompactIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	vs, err := c.VectorSearch("embedding", vecs[7]).TopK(10).Execute(ctx)
	require.NoError(t, err)
	results := vs.Results
	assert.Len(t, results, 6)
	assert.Equal(t, "v7", results[0].DocID)
}
