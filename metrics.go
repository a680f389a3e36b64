package docudb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/prometheus package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordInsert is called after each single-document insert.
	RecordInsert(duration time.Duration, err error)

	// RecordBatchInsert is called after each batch insert. failed is the
	// number of documents that were not written.
	RecordBatchInsert(count, failed int, duration time.Duration)

	// RecordQuery is called after each predicate query.
	RecordQuery(partitions, failed int, duration time.Duration, err error)

	// RecordVectorSearch is called after each vector search.
	RecordVectorSearch(k int, duration time.Duration, err error)

	// RecordUpdate is called after each update with the number of documents changed.
	RecordUpdate(count int, duration time.Duration, err error)

	// RecordDelete is called after each delete with the number of documents removed.
	RecordDelete(count int, duration time.Duration, err error)

	// RecordSplit is called after each partition split attempt.
	RecordSplit(duration time.Duration, err error)

	// RecordCache is called for each query cache lookup.
	RecordCache(hit bool)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)            {}
func (NoopMetricsCollector) RecordBatchInsert(int, int, time.Duration)    {}
func (NoopMetricsCollector) RecordQuery(int, int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordVectorSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordUpdate(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordSplit(time.Duration, error)             {}
func (NoopMetricsCollector) RecordCache(bool)                             {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	InsertCount        atomic.Int64
	InsertErrors       atomic.Int64
	InsertTotalNanos   atomic.Int64
	BatchInsertCount   atomic.Int64
	BatchInsertItems   atomic.Int64
	BatchInsertFailed  atomic.Int64
	QueryCount         atomic.Int64
	QueryErrors        atomic.Int64
	QueryPartial       atomic.Int64
	QueryTotalNanos    atomic.Int64
	VectorSearchCount  atomic.Int64
	VectorSearchErrors atomic.Int64
	VectorSearchNanos  atomic.Int64
	UpdateCount        atomic.Int64
	UpdatedDocuments   atomic.Int64
	UpdateErrors       atomic.Int64
	DeleteCount        atomic.Int64
	DeletedDocuments   atomic.Int64
	DeleteErrors       atomic.Int64
	SplitCount         atomic.Int64
	SplitErrors        atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBatchInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchInsert(count, failed int, _ time.Duration) {
	b.BatchInsertCount.Add(1)
	b.BatchInsertItems.Add(int64(count))
	b.BatchInsertFailed.Add(int64(failed))
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(_, failed int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	} else if failed > 0 {
		b.QueryPartial.Add(1)
	}
}

// RecordVectorSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordVectorSearch(_ int, duration time.Duration, err error) {
	b.VectorSearchCount.Add(1)
	b.VectorSearchNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.VectorSearchErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(count int, _ time.Duration, err error) {
	b.UpdateCount.Add(1)
	b.UpdatedDocuments.Add(int64(count))
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(count int, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	b.DeletedDocuments.Add(int64(count))
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSplit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSplit(_ time.Duration, err error) {
	b.SplitCount.Add(1)
	if err != nil {
		b.SplitErrors.Add(1)
	}
}

// RecordCache implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCache(hit bool) {
	if hit {
		b.CacheHits.Add(1)
	} else {
		b.CacheMisses.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:        b.InsertCount.Load(),
		InsertErrors:       b.InsertErrors.Load(),
		InsertAvgNanos:     avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		BatchInsertCount:   b.BatchInsertCount.Load(),
		BatchInsertItems:   b.BatchInsertItems.Load(),
		BatchInsertFailed:  b.BatchInsertFailed.Load(),
		QueryCount:         b.QueryCount.Load(),
		QueryErrors:        b.QueryErrors.Load(),
		QueryPartial:       b.QueryPartial.Load(),
		QueryAvgNanos:      avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		VectorSearchCount:  b.VectorSearchCount.Load(),
		VectorSearchErrors: b.VectorSearchErrors.Load(),
		VectorSearchAvg:    avg(b.VectorSearchNanos.Load(), b.VectorSearchCount.Load()),
		UpdatedDocuments:   b.UpdatedDocuments.Load(),
		DeletedDocuments:   b.DeletedDocuments.Load(),
		SplitCount:         b.SplitCount.Load(),
		SplitErrors:        b.SplitErrors.Load(),
		CacheHits:          b.CacheHits.Load(),
		CacheMisses:        b.CacheMisses.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount        int64
	InsertErrors       int64
	InsertAvgNanos     int64
	BatchInsertCount   int64
	BatchInsertItems   int64
	BatchInsertFailed  int64
	QueryCount         int64
	QueryErrors        int64
	QueryPartial       int64
	QueryAvgNanos      int64
	VectorSearchCount  int64
	VectorSearchErrors int64
	VectorSearchAvg    int64
	UpdatedDocuments   int64
	DeletedDocuments   int64
	SplitCount         int64
	SplitErrors        int64
	CacheHits          int64
	CacheMisses        int64
}
