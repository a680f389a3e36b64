package hnsw

import (
	"context"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/hupe1980/docudb/internal/queue"
)

type candidate = queue.Item

const ctxCheckInterval = 256

func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return c[i].Node < c[j].Node
	})
}

// greedy walks one layer towards q and returns the closest node found.
func (h *Index) greedy(g *graph, q []float32, ep uint32, epDist float32, layer int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		n := g.node(ep)
		if layer >= len(n.links) {
			break
		}
		for _, nb := range n.links[layer] {
			if d := h.dist(q, g.node(nb).vec); d < epDist {
				ep, epDist = nb, d
				changed = true
			}
		}
	}
	return ep, epDist
}

// searchLayer runs a beam search of width ef on one layer and returns the
// result set ascending by distance. With liveOnly, tombstoned nodes route the
// search but are kept out of the result set.
func (h *Index) searchLayer(g *graph, q []float32, ep uint32, epDist float32, ef, layer int, visited *bitset.BitSet, liveOnly bool) []candidate {
	candidates := queue.NewMin(ef)
	results := queue.NewMax(ef)

	visited.Set(uint(ep))
	candidates.Push(candidate{Node: ep, Distance: epDist})
	if !liveOnly || !g.isDeleted(ep) {
		results.Push(candidate{Node: ep, Distance: epDist})
	}

	for candidates.Len() > 0 {
		c, _ := candidates.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Distance > worst.Distance {
			break
		}

		n := g.node(c.Node)
		if layer >= len(n.links) {
			continue
		}
		for _, nb := range n.links[layer] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))

			d := h.dist(q, g.node(nb).vec)
			worst, ok := results.Top()
			if results.Len() < ef || !ok || d < worst.Distance {
				candidates.Push(candidate{Node: nb, Distance: d})
				if !liveOnly || !g.isDeleted(nb) {
					results.PushBounded(candidate{Node: nb, Distance: d}, ef)
				}
			}
		}
	}

	return results.Sorted()
}

// selectNeighbors picks up to m neighbors from candidates sorted ascending.
// The heuristic keeps a candidate only if it is closer to the base node than
// to every neighbor kept so far, then fills up with the pruned candidates.
func (h *Index) selectNeighbors(g *graph, candidates []candidate, m int) []uint32 {
	if len(candidates) <= m || !h.opts.Heuristic {
		out := make([]uint32, 0, min(m, len(candidates)))
		for _, c := range candidates {
			if len(out) == m {
				break
			}
			out = append(out, c.Node)
		}
		return out
	}

	result := make([]uint32, 0, m)
	pruned := make([]uint32, 0, len(candidates))
	for _, c := range candidates {
		if len(result) == m {
			break
		}
		cv := g.node(c.Node).vec
		good := true
		for _, r := range result {
			if h.dist(cv, g.node(r).vec) < c.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, c.Node)
		} else {
			pruned = append(pruned, c.Node)
		}
	}

	for _, p := range pruned {
		if len(result) == m {
			break
		}
		result = append(result, p)
	}
	return result
}

// Search returns the k nearest live neighbors of q using beam width ef.
// ef below k is raised to k; ef 0 uses the configured EfSearch.
func (h *Index) Search(ctx context.Context, q []float32, k, ef int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := h.validate(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ef <= 0 {
		ef = h.opts.EfSearch
	}
	ef = max(ef, k)

	g := h.current.Load()
	if g.maxLevel < 0 || g.live() == 0 {
		return nil, nil
	}

	ep := g.entry
	epDist := h.dist(q, g.node(ep).vec)
	for l := g.maxLevel; l > 0; l-- {
		ep, epDist = h.greedy(g, q, ep, epDist, l)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	visited := h.getVisited(g.size)
	visited.ClearAll()
	defer h.visitedPool.Put(visited)

	items := h.searchLayer(g, q, ep, epDist, ef, 0, visited, true)
	if len(items) > k {
		items = items[:k]
	}
	return h.toResults(g, items), nil
}

// BruteSearch scans every live node. It is exact and meant as a reference
// for recall measurements.
func (h *Index) BruteSearch(ctx context.Context, q []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := h.validate(q); err != nil {
		return nil, err
	}

	g := h.current.Load()
	results := queue.NewMax(k)
	for id := uint32(0); id < g.size; id++ {
		if id%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if g.isDeleted(id) {
			continue
		}
		results.PushBounded(candidate{Node: id, Distance: h.dist(q, g.node(id).vec)}, k)
	}
	return h.toResults(g, results.Sorted()), nil
}

func (h *Index) toResults(g *graph, items []candidate) []SearchResult {
	out := make([]SearchResult, len(items))
	for i, it := range items {
		out[i] = SearchResult{Key: g.node(it.Node).key, ID: it.Node, Distance: it.Distance}
	}
	return out
}
