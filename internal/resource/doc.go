// Package resource bounds the work docudb runs concurrently.
//
// A Controller manages three budgets:
//
//   - Partition fan-out: how many partition sub-requests a scatter-gather query
//     runs at once (AcquirePartition / ReleasePartition)
//   - Background workers: concurrent flushes and partition splits
//   - Background IO: a token bucket throttling flush and migration bytes so
//     maintenance does not starve foreground queries
//
//	rc := resource.NewController(resource.Config{
//	    MaxParallelPartitions: 16,
//	    MaxBackgroundWorkers:  2,
//	    IOLimitBytesPerSec:    64 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
