// Package cache provides the query result cache and the decompressed
// document cache of a collection.
//
// QueryCache maps the canonical signature of a query to its result for a
// bounded time. Entries remember the partitions they touched, and a write
// to a partition invalidates every entry that touched it. Per-partition
// invalidation sequence numbers keep a result computed concurrently with
// such a write from being stored.
//
// DocumentCache is content addressed: it is keyed by the hash of the stored
// compressed bytes and never serves stale data.
package cache
