package hnsw

import "context"

// Compact rebuilds the graph from live nodes only and renumbers ids.
// Searches keep running against the previous version until the rebuilt
// graph is published; writers wait.
func (h *Index) Compact(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.current.Load()
	removed := int(old.deleted.GetCardinality())
	if removed == 0 {
		return 0, nil
	}

	fresh := newGraph()
	fresh.version = old.version
	b := newBuilder(fresh)
	keys := make(map[string]uint32, old.live())

	for id := uint32(0); id < old.size; id++ {
		if id%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if old.isDeleted(id) {
			continue
		}
		n := old.node(id)
		// Levels are kept so the layer structure survives the rebuild.
		keys[n.key] = h.insert(b, n.key, n.vec, n.level)
	}

	h.keys = keys
	h.current.Store(b.g)
	return removed, nil
}
