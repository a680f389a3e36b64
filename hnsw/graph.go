package hnsw

import (
	"github.com/RoaringBitmap/roaring/v2"
)

const (
	chunkBits = 7
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

// node is immutable once it belongs to a published graph.
type node struct {
	key   string
	vec   []float32
	level int
	links [][]uint32
}

type chunk [chunkSize]*node

// graph is one published version of the index.
type graph struct {
	chunks   []*chunk
	size     uint32
	entry    uint32
	maxLevel int // -1 when empty
	deleted  *roaring.Bitmap
	version  uint64
}

func newGraph() *graph {
	return &graph{maxLevel: -1, deleted: roaring.New()}
}

func (g *graph) node(id uint32) *node {
	return g.chunks[id>>chunkBits][id&chunkMask]
}

func (g *graph) isDeleted(id uint32) bool {
	return g.deleted.Contains(id)
}

func (g *graph) live() int {
	return int(g.size) - int(g.deleted.GetCardinality())
}

// builder produces the next graph version. Chunks are copied the first time
// a node in them changes; untouched chunks are shared with the parent.
type builder struct {
	g            *graph
	owned        map[int]struct{}
	deletedOwned bool
}

func newBuilder(parent *graph) *builder {
	g := *parent
	g.chunks = append([]*chunk(nil), parent.chunks...)
	g.version = parent.version + 1
	return &builder{g: &g, owned: make(map[int]struct{})}
}

func (b *builder) set(id uint32, n *node) {
	ci := int(id >> chunkBits)
	if _, ok := b.owned[ci]; !ok {
		c := *b.g.chunks[ci]
		b.g.chunks[ci] = &c
		b.owned[ci] = struct{}{}
	}
	b.g.chunks[ci][id&chunkMask] = n
}

func (b *builder) append(n *node) uint32 {
	id := b.g.size
	if int(id>>chunkBits) == len(b.g.chunks) {
		b.g.chunks = append(b.g.chunks, new(chunk))
		b.owned[len(b.g.chunks)-1] = struct{}{}
	}
	b.g.size++
	b.set(id, n)
	return id
}

func (b *builder) markDeleted(id uint32) {
	if !b.deletedOwned {
		b.g.deleted = b.g.deleted.Clone()
		b.deletedOwned = true
	}
	b.g.deleted.Add(id)
}

// setLinks replaces the neighbor list of id on one layer with a fresh node copy.
func (b *builder) setLinks(id uint32, layer int, links []uint32) {
	old := b.g.node(id)
	n := &node{
		key:   old.key,
		vec:   old.vec,
		level: old.level,
		links: append([][]uint32(nil), old.links...),
	}
	n.links[layer] = links
	b.set(id, n)
}
