package docudb

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/hnsw"
	"github.com/hupe1980/docudb/partition"
)

// vectorIndex holds one HNSW graph per partition for a vector field.
type vectorIndex struct {
	cfg VectorIndexConfig

	mu    sync.RWMutex
	parts map[partition.ID]*hnsw.Index
}

func newVectorIndex(cfg VectorIndexConfig) *vectorIndex {
	return &vectorIndex{cfg: cfg, parts: make(map[partition.ID]*hnsw.Index)}
}

// partition returns the graph of pid, creating it if create is set.
func (vi *vectorIndex) partition(pid partition.ID, create bool) (*hnsw.Index, error) {
	vi.mu.RLock()
	idx := vi.parts[pid]
	vi.mu.RUnlock()
	if idx != nil || !create {
		return idx, nil
	}

	vi.mu.Lock()
	defer vi.mu.Unlock()
	if idx := vi.parts[pid]; idx != nil {
		return idx, nil
	}
	idx, err := hnsw.New(vi.cfg.Dimension, vi.cfg.Metric, func(o *hnsw.Options) {
		o.M = vi.cfg.M
		o.EfConstruction = vi.cfg.EfConstruction
		o.EfSearch = vi.cfg.EfSearch
		o.Seed = int64(pid) + 1
	})
	if err != nil {
		return nil, err
	}
	vi.parts[pid] = idx
	return idx, nil
}

// put indexes the vector of doc, or removes the key when doc has none.
func (vi *vectorIndex) put(ctx context.Context, pid partition.ID, doc *document.Document) error {
	vec, ok, err := vi.extract(doc)
	if err != nil {
		return err
	}
	if !ok {
		vi.remove(pid, doc.ID)
		return nil
	}
	idx, err := vi.partition(pid, true)
	if err != nil {
		return err
	}
	return idx.Insert(ctx, doc.ID, vec)
}

func (vi *vectorIndex) remove(pid partition.ID, id string) {
	if idx, _ := vi.partition(pid, false); idx != nil {
		idx.Delete(id)
	}
}

// drop discards the graph of pid.
func (vi *vectorIndex) drop(pid partition.ID) {
	vi.mu.Lock()
	delete(vi.parts, pid)
	vi.mu.Unlock()
}

// extract returns the vector field of doc. A document without the field has
// no vector; a field of the wrong shape is an error.
func (vi *vectorIndex) extract(doc *document.Document) ([]float32, bool, error) {
	v, ok := doc.Get(vi.cfg.Field)
	if !ok || v.IsNull() {
		return nil, false, nil
	}
	vec, ok := v.AsVector()
	if !ok {
		return nil, false, fmt.Errorf("%w: field %s is %s, not a vector", ErrValidation, vi.cfg.Field, v.Kind)
	}
	if len(vec) != vi.cfg.Dimension {
		return nil, false, &hnsw.ErrDimensionMismatch{Expected: vi.cfg.Dimension, Actual: len(vec)}
	}
	for _, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, false, hnsw.ErrInvalidVector
		}
	}
	return vec, true, nil
}

func (vi *vectorIndex) search(ctx context.Context, pid partition.ID, vec []float32, k, ef int) ([]hnsw.SearchResult, error) {
	idx, _ := vi.partition(pid, false)
	if idx == nil {
		return nil, nil
	}
	if ef <= 0 {
		ef = vi.cfg.EfSearch
	}
	return idx.Search(ctx, vec, k, ef)
}

// compact rebuilds every graph without its tombstones.
func (vi *vectorIndex) compact(ctx context.Context) (int, error) {
	vi.mu.RLock()
	graphs := make([]*hnsw.Index, 0, len(vi.parts))
	for _, idx := range vi.parts {
		graphs = append(graphs, idx)
	}
	vi.mu.RUnlock()

	total := 0
	for _, idx := range graphs {
		n, err := idx.Compact(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (vi *vectorIndex) live() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	n := 0
	for _, idx := range vi.parts {
		n += idx.Live()
	}
	return n
}
