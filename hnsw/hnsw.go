package hnsw

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/hupe1980/docudb/distance"
)

const (
	// mmax0Multiplier is the multiplier for calculating maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links.
	DefaultM = 16

	// DefaultEfConstruction is the default beam width used while inserting.
	DefaultEfConstruction = 200

	// DefaultEfSearch is the default beam width used by Search when ef is 0.
	DefaultEfSearch = 64
)

// Options represents the options for configuring HNSW.
type Options struct {
	M              int
	EfConstruction int
	EfSearch       int
	// Heuristic enables diversity-preserving neighbor selection.
	Heuristic bool
	// Seed makes level generation reproducible.
	Seed int64
}

// DefaultOptions returns the default options for HNSW.
func DefaultOptions() Options {
	return Options{
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		Heuristic:      true,
		Seed:           1,
	}
}

// Index is a Hierarchical Navigable Small World graph over keyed vectors.
type Index struct {
	current atomic.Pointer[graph]

	dim    int
	metric distance.Metric
	dist   distance.Func

	maxConnectionsPerLayer int
	maxConnectionsLayer0   int
	layerMultiplier        float64
	opts                   Options

	// mu serializes writers. keys and rng belong to the writer.
	mu   sync.Mutex
	keys map[string]uint32
	rng  *rand.Rand

	visitedPool sync.Pool
}

// New creates a new HNSW index for vectors of the given dimension.
func New(dim int, metric distance.Metric, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}
	dist, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultEfSearch
	}

	h := &Index{
		dim:                    dim,
		metric:                 metric,
		dist:                   dist,
		maxConnectionsPerLayer: opts.M,
		maxConnectionsLayer0:   opts.M * mmax0Multiplier,
		layerMultiplier:        1 / math.Log(float64(opts.M)),
		opts:                   opts,
		keys:                   make(map[string]uint32),
		rng:                    rand.New(rand.NewSource(opts.Seed)),
	}
	h.visitedPool.New = func() any { return bitset.New(1024) }
	h.current.Store(newGraph())
	return h, nil
}

// Dimension returns the vector dimension of the index.
func (h *Index) Dimension() int { return h.dim }

// Metric returns the distance metric of the index.
func (h *Index) Metric() distance.Metric { return h.metric }

// Options returns the effective options.
func (h *Index) Options() Options { return h.opts }

// Len returns the number of nodes in the arena, tombstones included.
func (h *Index) Len() int { return int(h.current.Load().size) }

// Live returns the number of searchable nodes.
func (h *Index) Live() int { return h.current.Load().live() }

// Version returns the version of the published graph.
func (h *Index) Version() uint64 { return h.current.Load().version }

// Contains reports whether key has a live node.
func (h *Index) Contains(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.keys[key]
	return ok
}

// Vector returns a copy of the vector stored for key.
func (h *Index) Vector(key string) ([]float32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.keys[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(h.current.Load().node(id).vec), true
}

func (h *Index) validate(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if len(v) != h.dim {
		return &ErrDimensionMismatch{Expected: h.dim, Actual: len(v)}
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

func (h *Index) randomLevel() int {
	// 1-Float64 lies in (0, 1], so the log is finite.
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.layerMultiplier))
}

func (h *Index) maxConnections(layer int) int {
	if layer == 0 {
		return h.maxConnectionsLayer0
	}
	return h.maxConnectionsPerLayer
}

// Insert adds or replaces the vector stored under key. The vector is
// validated before the graph is touched. A replaced vector leaves a
// tombstone behind.
func (h *Index) Insert(ctx context.Context, key string, v []float32) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := h.validate(v); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b := newBuilder(h.current.Load())
	if old, ok := h.keys[key]; ok {
		b.markDeleted(old)
	}
	id := h.insert(b, key, slices.Clone(v), h.randomLevel())
	h.keys[key] = id
	h.current.Store(b.g)
	return nil
}

// Delete tombstones the node stored under key. It reports whether key was live.
func (h *Index) Delete(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.keys[key]
	if !ok {
		return false
	}
	b := newBuilder(h.current.Load())
	b.markDeleted(id)
	delete(h.keys, key)
	h.current.Store(b.g)
	return true
}

func (h *Index) insert(b *builder, key string, vec []float32, level int) uint32 {
	n := &node{key: key, vec: vec, level: level, links: make([][]uint32, level+1)}
	id := b.append(n)

	g := b.g
	if g.maxLevel < 0 {
		g.entry = id
		g.maxLevel = level
		return id
	}

	ep := g.entry
	epDist := h.dist(vec, g.node(ep).vec)
	for l := g.maxLevel; l > level; l-- {
		ep, epDist = h.greedy(g, vec, ep, epDist, l)
	}

	visited := h.getVisited(g.size)
	defer h.visitedPool.Put(visited)

	for l := min(level, g.maxLevel); l >= 0; l-- {
		visited.ClearAll()
		candidates := h.searchLayer(g, vec, ep, epDist, h.opts.EfConstruction, l, visited, false)

		selectable := candidates[:0:0]
		for _, c := range candidates {
			if c.Node != id && !g.isDeleted(c.Node) {
				selectable = append(selectable, c)
			}
		}

		neighbors := h.selectNeighbors(g, selectable, h.maxConnections(l))
		n.links[l] = neighbors
		for _, nb := range neighbors {
			h.addBacklink(b, nb, id, l)
		}

		if len(candidates) > 0 {
			ep, epDist = candidates[0].Node, candidates[0].Distance
		}
	}

	if level > g.maxLevel {
		g.entry = id
		g.maxLevel = level
	}
	return id
}

// addBacklink links src to dst on layer, pruning src's list when it overflows.
func (h *Index) addBacklink(b *builder, src, dst uint32, layer int) {
	g := b.g
	srcNode := g.node(src)
	if layer >= len(srcNode.links) {
		return
	}
	current := srcNode.links[layer]
	if slices.Contains(current, dst) {
		return
	}

	maxM := h.maxConnections(layer)
	if len(current) < maxM {
		links := make([]uint32, len(current), len(current)+1)
		copy(links, current)
		b.setLinks(src, layer, append(links, dst))
		return
	}

	candidates := make([]candidate, 0, len(current)+1)
	for _, c := range current {
		candidates = append(candidates, candidate{Node: c, Distance: h.dist(srcNode.vec, g.node(c).vec)})
	}
	candidates = append(candidates, candidate{Node: dst, Distance: h.dist(srcNode.vec, g.node(dst).vec)})
	sortCandidates(candidates)

	b.setLinks(src, layer, h.selectNeighbors(g, candidates, maxM))
}

func (h *Index) getVisited(size uint32) *bitset.BitSet {
	v := h.visitedPool.Get().(*bitset.BitSet)
	if v.Len() < uint(size) {
		v = bitset.New(uint(size))
	}
	return v
}
