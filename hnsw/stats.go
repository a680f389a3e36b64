package hnsw

// Stats returns structural statistics of the published graph.
func (h *Index) Stats() Stats {
	g := h.current.Load()

	s := Stats{
		Dimension:      h.dim,
		Metric:         h.metric.String(),
		M:              h.maxConnectionsPerLayer,
		M0:             h.maxConnectionsLayer0,
		EfConstruction: h.opts.EfConstruction,
		Nodes:          int(g.size),
		Live:           g.live(),
		Deleted:        int(g.deleted.GetCardinality()),
		MaxLevel:       g.maxLevel,
		Version:        g.version,
	}
	if g.maxLevel < 0 {
		return s
	}

	s.Levels = make([]LevelStats, g.maxLevel+1)
	for l := range s.Levels {
		s.Levels[l].Level = l
	}
	for id := uint32(0); id < g.size; id++ {
		n := g.node(id)
		for l, links := range n.links {
			s.Levels[l].Nodes++
			s.Levels[l].Connections += len(links)
		}
	}
	for l := range s.Levels {
		if s.Levels[l].Nodes > 0 {
			s.Levels[l].AvgConnections = float64(s.Levels[l].Connections) / float64(s.Levels[l].Nodes)
		}
	}
	return s
}
