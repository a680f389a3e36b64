// Package store implements the durable document store.
//
// Writes go to a segmented WAL first and are then applied to an in-memory
// memtable, which makes them visible to readers. Full memtables are frozen and
// flushed by a background goroutine into a bbolt base store; the flush writes
// the documents, the per-partition counters and the flushed LSN in one bbolt
// transaction, after which the WAL segments it covered are removed.
//
// Keys have the layout
//
//	tenant ‖ 0x00 ‖ partition id (8 bytes, big endian) ‖ document id
//
// so that all documents of a partition are contiguous and Scan can iterate a
// partition by prefix. Counters ({SizeBytes, DocCount} per tenant and
// partition) are maintained in the same critical section as the write that
// changes them.
package store
