package docudb

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/hnsw"
	"github.com/hupe1980/docudb/query"
)

// DefaultTopK is the number of neighbours returned when TopK is not set.
const DefaultTopK = 10

// VectorSearch creates a fluent nearest-neighbour search over an indexed
// vector field.
//
// Example:
//
//	res, err := coll.VectorSearch("embedding", q).
//	    TopK(5).
//	    Filter("category = @cat").
//	    Param("cat", "books").
//	    Execute(ctx)
func (c *Collection) VectorSearch(field string, vector []float32) *VectorSearchBuilder {
	return &VectorSearchBuilder{
		c:      c,
		field:  field,
		vector: vector,
		k:      DefaultTopK,
	}
}

// VectorSearchBuilder is a fluent builder for vector searches.
type VectorSearchBuilder struct {
	c      *Collection
	field  string
	vector []float32
	k      int
	ef     int

	minSimilarity float32

	filter query.Predicate
	params map[string]document.Value
	err    error
}

// TopK sets the number of nearest neighbours to return.
func (sb *VectorSearchBuilder) TopK(k int) *VectorSearchBuilder {
	sb.k = k
	return sb
}

// Ef sets the search beam width. Higher values improve recall but slow
// down search. Zero uses the index default.
func (sb *VectorSearchBuilder) Ef(ef int) *VectorSearchBuilder {
	sb.ef = ef
	return sb
}

// MinSimilarity drops neighbours whose Score is below threshold. The
// threshold is clamped to [0, 1].
func (sb *VectorSearchBuilder) MinSimilarity(threshold float32) *VectorSearchBuilder {
	sb.minSimilarity = min(max(threshold, 0), 1)
	return sb
}

// Filter restricts results to documents matching a predicate expression.
func (sb *VectorSearchBuilder) Filter(expr string) *VectorSearchBuilder {
	p, err := query.Parse(expr)
	if err != nil {
		sb.err = err
		return sb
	}
	sb.filter = p
	return sb
}

// Where restricts results to documents matching p.
func (sb *VectorSearchBuilder) Where(p query.Predicate) *VectorSearchBuilder {
	sb.filter = p
	return sb
}

// Param binds a filter parameter.
func (sb *VectorSearchBuilder) Param(name string, value any) *VectorSearchBuilder {
	sb.params, sb.err = bindParam(sb.params, sb.err, name, value)
	return sb
}

// Execute runs the search. Results are ordered by ascending distance.
// Partitions that fail or time out are left out and flagged in the result.
func (sb *VectorSearchBuilder) Execute(ctx context.Context) (*VectorSearchResult, error) {
	c := sb.c
	start := time.Now()

	res, err := sb.execute(ctx)
	c.metrics.RecordVectorSearch(sb.k, time.Since(start), err)
	if err != nil {
		c.logger.LogVectorSearch(ctx, sb.field, sb.k, 0, err)
		return nil, c.wrap("vector search", err)
	}
	c.logger.LogVectorSearch(ctx, sb.field, sb.k, len(res.Results), nil)
	return res, nil
}

func (sb *VectorSearchBuilder) execute(ctx context.Context) (*VectorSearchResult, error) {
	c := sb.c
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if sb.err != nil {
		return nil, sb.err
	}
	vi := c.index(sb.field)
	if vi == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, sb.field)
	}
	if len(sb.vector) == 0 {
		return nil, hnsw.ErrEmptyVector
	}
	if len(sb.vector) != vi.cfg.Dimension {
		return nil, &hnsw.ErrDimensionMismatch{Expected: vi.cfg.Dimension, Actual: len(sb.vector)}
	}
	if sb.k <= 0 {
		return nil, hnsw.ErrInvalidK
	}

	pred, err := bindPredicate(sb.filter, sb.params)
	if err != nil {
		return nil, err
	}
	plan := &query.Plan{
		Predicate: pred,
		Vector: &query.VectorQuery{
			Field:  sb.field,
			Vector: sb.vector,
			TopK:   sb.k,
			Ef:     sb.ef,
		},
	}

	res, err := c.run(ctx, plan)
	if err != nil {
		return nil, err
	}
	if res.Partial {
		c.logger.WarnContext(ctx, "vector search returned partial results",
			"field", sb.field,
			"failed_partitions", res.FailedPartitions,
		)
	}

	out := newVectorSearchResult(res)
	out.Results = make([]SearchResult, 0, len(res.Hits))
	for _, h := range res.Hits {
		s := score(vi.cfg.Metric, h.Distance)
		// Hits are ordered by distance, so the scores only decrease.
		if sb.minSimilarity > 0 && s < sb.minSimilarity {
			break
		}
		out.Results = append(out.Results, SearchResult{
			DocID:       h.Doc.ID,
			Score:       s,
			Distance:    h.Distance,
			Document:    h.Doc,
			PartitionID: h.PartitionID,
		})
	}
	return out, nil
}
