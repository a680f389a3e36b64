// Package prometheus implements docudb.MetricsCollector on top of the
// Prometheus client library.
package prometheus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docudb"

var errBatch = errors.New("batch insert had failures")

// Collector records docudb operations as Prometheus metrics.
type Collector struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	documents  *prometheus.CounterVec
	partitions *prometheus.HistogramVec
	partial    prometheus.Counter
	cache      *prometheus.CounterVec
}

// NewCollector registers the docudb metrics on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of operations by type",
		}, []string{"op"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Total number of failed operations by type",
		}, []string{"op"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by type",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"op"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents written, updated or deleted",
		}, []string{"op"}),
		partitions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_partitions",
			Help:      "Partitions visited and failed per query",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"state"}),
		partial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_partial_total",
			Help:      "Queries that returned partial results",
		}),
		cache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_lookups_total",
			Help:      "Query cache lookups by result",
		}, []string{"result"}),
	}
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	c.operations.WithLabelValues(op).Inc()
	c.latency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.errors.WithLabelValues(op).Inc()
	}
}

// RecordInsert implements docudb.MetricsCollector.
func (c *Collector) RecordInsert(d time.Duration, err error) {
	c.observe("insert", d, err)
	if err == nil {
		c.documents.WithLabelValues("insert").Inc()
	}
}

// RecordBatchInsert implements docudb.MetricsCollector.
func (c *Collector) RecordBatchInsert(count, failed int, d time.Duration) {
	var err error
	if failed > 0 {
		err = errBatch
	}
	c.observe("batch_insert", d, err)
	c.documents.WithLabelValues("insert").Add(float64(count - failed))
}

// RecordQuery implements docudb.MetricsCollector.
func (c *Collector) RecordQuery(partitions, failed int, d time.Duration, err error) {
	c.observe("query", d, err)
	c.partitions.WithLabelValues("visited").Observe(float64(partitions))
	if failed > 0 {
		c.partitions.WithLabelValues("failed").Observe(float64(failed))
		c.partial.Inc()
	}
}

// RecordVectorSearch implements docudb.MetricsCollector.
func (c *Collector) RecordVectorSearch(_ int, d time.Duration, err error) {
	c.observe("vector_search", d, err)
}

// RecordUpdate implements docudb.MetricsCollector.
func (c *Collector) RecordUpdate(count int, d time.Duration, err error) {
	c.observe("update", d, err)
	c.documents.WithLabelValues("update").Add(float64(count))
}

// RecordDelete implements docudb.MetricsCollector.
func (c *Collector) RecordDelete(count int, d time.Duration, err error) {
	c.observe("delete", d, err)
	c.documents.WithLabelValues("delete").Add(float64(count))
}

// RecordSplit implements docudb.MetricsCollector.
func (c *Collector) RecordSplit(d time.Duration, err error) {
	c.observe("split", d, err)
}

// RecordCache implements docudb.MetricsCollector.
func (c *Collector) RecordCache(hit bool) {
	if hit {
		c.cache.WithLabelValues("hit").Inc()
	} else {
		c.cache.WithLabelValues("miss").Inc()
	}
}
