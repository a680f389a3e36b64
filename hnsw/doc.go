// Package hnsw implements Hierarchical Navigable Small World graphs.
//
// HNSW provides approximate nearest neighbor search with high recall and
// sub-linear query time. Each Index holds the vectors of one partition.
//
// # Concurrency
//
// Nodes live in an arena addressed by uint32 ids and stored in fixed-size
// chunks. Inserts are serialized by a per-index mutex and build the next
// graph version copy-on-write: only the chunks whose nodes change are copied.
// The new version is published with an atomic pointer swap, so searches run
// lock-free against the version that was current when they started.
//
// # Deletion
//
// Delete marks a tombstone. Tombstoned nodes still route searches but never
// appear in results and are never chosen as neighbors of new nodes. Compact
// rebuilds the arena from live nodes and renumbers ids.
//
// # Parameters
//
//   - M: max connections per node on upper layers (default: 16), 2*M on layer 0
//   - EfConstruction: beam width while inserting (default: 200)
//   - EfSearch: default beam width for Search (default: 64)
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
