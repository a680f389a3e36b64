package docudb

import (
	"time"

	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
	"github.com/hupe1980/docudb/partition"
	"github.com/hupe1980/docudb/query"
)

// QueryResult is one page of query results.
type QueryResult struct {
	Documents []*document.Document
	// TotalCount is the number of matches across the partitions that
	// answered, before pagination.
	TotalCount int
	// ContinuationToken resumes after the last document; empty on the last page.
	ContinuationToken string
	// Partial is set when some partitions failed or timed out.
	Partial          bool
	FailedPartitions int
	// Partitions is the number of partitions the query was sent to.
	Partitions int
	// Failures aggregates the errors of the failed partitions.
	Failures  error
	FromCache bool
	Latency   time.Duration
}

func newQueryResult(res *query.Result) *QueryResult {
	return &QueryResult{
		Documents:         res.Documents(),
		TotalCount:        res.TotalCount,
		ContinuationToken: res.ContinuationToken,
		Partial:           res.Partial,
		FailedPartitions:  res.FailedPartitions,
		Partitions:        len(res.Partitions),
		Failures:          res.Failures,
		FromCache:         res.FromCache,
		Latency:           res.Latency,
	}
}

// VectorSearchResult holds the neighbours of a vector search.
type VectorSearchResult struct {
	Results []SearchResult
	// Partial is set when some partitions failed or timed out.
	Partial          bool
	FailedPartitions int
	Partitions       int
	Failures         error
	FromCache        bool
	Latency          time.Duration
}

func newVectorSearchResult(res *query.Result) *VectorSearchResult {
	return &VectorSearchResult{
		Partial:          res.Partial,
		FailedPartitions: res.FailedPartitions,
		Partitions:       len(res.Partitions),
		Failures:         res.Failures,
		FromCache:        res.FromCache,
		Latency:          res.Latency,
	}
}

// SearchResult is one nearest neighbour, ordered ascending by Distance.
type SearchResult struct {
	DocID string
	// Score is a similarity derived from Distance; higher is closer.
	Score       float32
	Distance    float32
	Document    *document.Document
	PartitionID partition.ID
}

// score converts a metric distance into a similarity.
func score(m distance.Metric, d float32) float32 {
	switch m {
	case distance.Cosine:
		return 1 - d
	case distance.Dot:
		return -d
	default:
		return 1 / (1 + d)
	}
}
