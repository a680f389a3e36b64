package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.False(t, c.TryAcquireBackground())

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireBackground(ctx), context.DeadlineExceeded)
}

func TestController_PartitionFanOut(t *testing.T) {
	c := NewController(Config{MaxParallelPartitions: 3})

	var (
		inFlight atomic.Int64
		peak     atomic.Int64
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.AcquirePartition(context.Background()); err != nil {
				return
			}
			defer c.ReleasePartition()

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(3), c.Config().MaxParallelPartitions)
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})

	assert.True(t, c.TryAcquireIO(1000))
	assert.False(t, c.TryAcquireIO(1000))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	// Larger than the burst: split into chunks, the deadline hits first.
	assert.Error(t, c.AcquireIO(ctx, 5000))
}

func TestController_Nil(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquirePartition(t.Context()))
	c.ReleasePartition()
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	require.NoError(t, c.AcquireIO(t.Context(), 1<<30))
	assert.True(t, c.TryAcquireIO(1<<30))
	assert.Equal(t, Config{}, c.Config())
}

func TestController_Defaults(t *testing.T) {
	c := NewController(Config{})
	cfg := c.Config()
	assert.Equal(t, int64(16), cfg.MaxParallelPartitions)
	assert.Equal(t, int64(1), cfg.MaxBackgroundWorkers)
	require.NoError(t, c.AcquireIO(t.Context(), 1<<20))
}
