// Package partition maps partition keys to partitions and splits partitions
// that grow too large.
//
// A Table is an immutable, versioned snapshot of all partition descriptors.
// Route is a pure function of (key, Table). The Router publishes tables with
// an atomic pointer swap: readers never lock and never observe a
// half-published split.
//
// # Strategies
//
// Hash tables hash the encoded key with murmur3. The low 64 bits modulo
// RootCount pick a root bucket; within a root, extendible hashing on the
// upper 32 bits picks the partition whose (Depth, Suffix) matches. A split
// adds one suffix bit, so only the keys of the split partition move.
//
// Range tables hold sorted [Low, High) intervals over encoded keys and route
// with a binary search. A split divides an interval at a split point chosen
// from sampled keys.
//
// # Persistence
//
// TableStore keeps every version as ROUTING-<version>.msgpack in a
// blobstore.BlobStore and points CURRENT at the latest one.
package partition
