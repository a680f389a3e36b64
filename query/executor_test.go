package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/internal/resource"
	"github.com/hupe1980/docudb/partition"
)

type fakeSource struct {
	mu      sync.Mutex
	version uint64
	parts   map[partition.ID][]*document.Document
	failing map[partition.ID]error
	slow    map[partition.ID]bool
	stale   atomic.Int32
	routed  []document.PartitionKey
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		version: 1,
		parts:   make(map[partition.ID][]*document.Document),
		failing: make(map[partition.ID]error),
		slow:    make(map[partition.ID]bool),
	}
}

func (s *fakeSource) add(pid partition.ID, docs ...*document.Document) {
	s.parts[pid] = append(s.parts[pid], docs...)
}

func (s *fakeSource) PartitionKeyFields() []string { return []string{"tenant"} }

func (s *fakeSource) Targets(key document.PartitionKey, full bool) (uint64, []partition.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routed = append(s.routed, key)

	ids := make([]partition.ID, 0, len(s.parts))
	for id := range s.parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if full {
		ids = ids[:1]
	}
	return s.version, ids
}

func (s *fakeSource) check(ctx context.Context, pid partition.ID) error {
	if s.stale.Load() > 0 && pid == 1 {
		s.stale.Add(-1)
		return ErrStalePartition
	}
	if err := s.failing[pid]; err != nil {
		return err
	}
	if s.slow[pid] {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSource) Scan(ctx context.Context, pid partition.ID, fn func(doc *document.Document) bool) error {
	if err := s.check(ctx, pid); err != nil {
		return err
	}
	for _, d := range s.parts[pid] {
		if !fn(d) {
			break
		}
	}
	return nil
}

func (s *fakeSource) Search(ctx context.Context, pid partition.ID, field string, vec []float32, k, ef int) ([]Hit, error) {
	if err := s.check(ctx, pid); err != nil {
		return nil, err
	}
	var hits []Hit
	for _, d := range s.parts[pid] {
		v, ok := d.Get(field)
		if !ok {
			continue
		}
		fv, ok := v.AsVector()
		if !ok {
			continue
		}
		hits = append(hits, Hit{Doc: d, Distance: distance.EuclideanDistance(vec, fv)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func levelDoc(id string, level int) *document.Document {
	return document.New(id, document.Fields{
		"level":     document.Int(int64(level)),
		"embedding": document.Vector([]float32{float32(level), 0}),
	})
}

func ids(r *Result) []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Doc.ID
	}
	return out
}

func TestExecuteFilterAcrossPartitions(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 10), levelDoc("b", 42))
	src.add(2, levelDoc("c", 55), levelDoc("d", 40))

	pred, err := Bind(MustParse("level > @min_level"), map[string]document.Value{"min_level": document.Int(40)})
	require.NoError(t, err)

	exec := NewExecutor(src, resource.NewController(resource.Config{MaxParallelPartitions: 1}))
	res, err := exec.Execute(context.Background(), &Plan{Predicate: pred})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, ids(res))
	assert.Equal(t, 2, res.TotalCount)
	assert.False(t, res.Partial)
	assert.Equal(t, []partition.ID{1, 2}, res.Partitions)
	assert.Equal(t, uint64(1), res.TableVersion)
	assert.Len(t, res.Documents(), 2)
}

func TestExecuteOrderAndPagination(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 25; i++ {
		src.add(partition.ID(i%3), levelDoc(fmt.Sprintf("doc-%02d", i), i%7))
	}
	exec := NewExecutor(src, nil)

	plan := &Plan{OrderBy: &Order{Field: "level", Desc: true}, Limit: 4}
	var (
		seen  []string
		pages int
	)
	for {
		res, err := exec.Execute(context.Background(), plan)
		require.NoError(t, err)
		assert.Equal(t, 25, res.TotalCount)
		seen = append(seen, ids(res)...)
		pages++
		if res.ContinuationToken == "" {
			break
		}
		plan = &Plan{OrderBy: plan.OrderBy, Limit: plan.Limit, Token: res.ContinuationToken}
	}
	assert.Equal(t, 7, pages)
	assert.Len(t, seen, 25)

	set := make(map[string]bool)
	for _, id := range seen {
		assert.False(t, set[id], "duplicate %s", id)
		set[id] = true
	}

	full, err := exec.Execute(context.Background(), &Plan{OrderBy: &Order{Field: "level", Desc: true}})
	require.NoError(t, err)
	assert.Equal(t, ids(full), seen)
}

func TestExecuteTokenAfterTableChange(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 6; i++ {
		src.add(1, levelDoc(fmt.Sprintf("doc-%d", i), i))
	}
	exec := NewExecutor(src, nil)

	first, err := exec.Execute(context.Background(), &Plan{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-0", "doc-1", "doc-2"}, ids(first))

	// Simulate a split moving every document into a new partition.
	src.parts[7] = src.parts[1]
	delete(src.parts, 1)
	src.version = 2

	second, err := exec.Execute(context.Background(), &Plan{Limit: 3, Token: first.ContinuationToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-3", "doc-4", "doc-5"}, ids(second))
	assert.Empty(t, second.ContinuationToken)
}

func TestExecuteRejectsForeignToken(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 1), levelDoc("b", 2))
	exec := NewExecutor(src, nil)

	res, err := exec.Execute(context.Background(), &Plan{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.ContinuationToken)

	_, err = exec.Execute(context.Background(), &Plan{Limit: 2, Token: res.ContinuationToken})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = exec.Execute(context.Background(), &Plan{Token: "garbage!"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExecutePartialOnFailureAndTimeout(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 1))
	src.add(2, levelDoc("b", 2))
	src.add(3, levelDoc("c", 3))
	src.failing[2] = errors.New("disk on fire")
	src.slow[3] = true

	exec := NewExecutor(src, nil, func(o *Options) {
		o.PartitionTimeout = 20 * time.Millisecond
	})
	res, err := exec.Execute(context.Background(), &Plan{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, ids(res))
	assert.True(t, res.Partial)
	assert.Equal(t, 2, res.FailedPartitions)
	require.Error(t, res.Failures)
	assert.ErrorIs(t, res.Failures, context.DeadlineExceeded)

	var pe *PartitionError
	require.ErrorAs(t, res.Failures, &pe)
}

func TestExecuteAllPartitionsFailed(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 1))
	src.failing[1] = errors.New("boom")

	_, err := NewExecutor(src, nil).Execute(context.Background(), &Plan{})
	assert.ErrorIs(t, err, ErrPartitionsUnavailable)
}

func TestExecuteCanceled(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 1))
	src.slow[1] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := NewExecutor(src, nil).Execute(ctx, &Plan{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRetriesStalePartitions(t *testing.T) {
	src := newFakeSource()
	src.add(1, levelDoc("a", 1))
	src.stale.Store(2)

	res, err := NewExecutor(src, nil).Execute(context.Background(), &Plan{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(res))
	assert.Len(t, src.routed, 3)
}

func TestExecutePrunesPinnedKey(t *testing.T) {
	src := newFakeSource()
	src.add(1, document.New("a", document.Fields{"tenant": document.String("acme")}))
	src.add(2, document.New("b", document.Fields{"tenant": document.String("other")}))

	res, err := NewExecutor(src, nil).Execute(context.Background(), &Plan{Predicate: Eq("tenant", Lit("acme"))})
	require.NoError(t, err)
	assert.Equal(t, []partition.ID{1}, res.Partitions)
	assert.Equal(t, []string{"a"}, ids(res))
	require.Len(t, src.routed, 1)
	assert.Equal(t, 1, src.routed[0].Len())
}

func TestExecuteVectorQuery(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 20; i++ {
		src.add(partition.ID(i%4), levelDoc(fmt.Sprintf("v%02d", i), i))
	}
	exec := NewExecutor(src, nil)

	res, err := exec.Execute(context.Background(), &Plan{
		Vector: &VectorQuery{Field: "embedding", Vector: []float32{10.2, 0}, TopK: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v10", "v11", "v09"}, ids(res))
	assert.InDelta(t, 0.2, res.Hits[0].Distance, 1e-5)
	assert.Equal(t, partition.ID(2), res.Hits[0].PartitionID)

	filtered, err := exec.Execute(context.Background(), &Plan{
		Predicate: Gte("level", Lit(12)),
		Vector:    &VectorQuery{Field: "embedding", Vector: []float32{10.2, 0}, TopK: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v12", "v13"}, ids(filtered))

	paged, err := exec.Execute(context.Background(), &Plan{
		Vector: &VectorQuery{Field: "embedding", Vector: []float32{10.2, 0}, TopK: 3},
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v10", "v11"}, ids(paged))

	rest, err := exec.Execute(context.Background(), &Plan{
		Vector: &VectorQuery{Field: "embedding", Vector: []float32{10.2, 0}, TopK: 3},
		Limit:  2,
		Token:  paged.ContinuationToken,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v09"}, ids(rest))
	assert.Empty(t, rest.ContinuationToken)
}
