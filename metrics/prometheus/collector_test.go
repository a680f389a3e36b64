package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordInsert(time.Millisecond, nil)
	c.RecordInsert(time.Millisecond, errors.New("boom"))
	c.RecordBatchInsert(10, 2, time.Millisecond)
	c.RecordQuery(4, 1, time.Millisecond, nil)
	c.RecordVectorSearch(10, time.Millisecond, nil)
	c.RecordUpdate(3, time.Millisecond, nil)
	c.RecordDelete(2, time.Millisecond, nil)
	c.RecordSplit(time.Second, nil)
	c.RecordCache(true)
	c.RecordCache(false)
	c.RecordCache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("batch_insert")))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.documents.WithLabelValues("insert")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.documents.WithLabelValues("update")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.documents.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partial))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cache.WithLabelValues("miss")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["docudb_operation_duration_seconds"])
	assert.True(t, names["docudb_query_partitions"])
}

func TestCollectorDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
