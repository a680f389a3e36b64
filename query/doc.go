// Package query evaluates structured predicates and vector queries across
// the partitions of a collection.
//
// Predicates are trees of Compare, And, Or, Not and Exists nodes. Operands
// are literals or named parameters (@name) resolved by Bind before
// execution. Parse builds a predicate from a small expression syntax:
//
//	level > @min_level AND tenant = 'acme'
//	NOT (status IN ['archived', 'deleted']) OR EXISTS(pinned)
//
// The Executor scatters a Plan over the target partitions of a Source in
// parallel, bounded by a resource.Controller, with an overall and a
// per-partition timeout. Partitions that fail or time out are left out and
// the Result is marked Partial. Results are merged by vector distance or
// sort field and paginated with opaque continuation tokens.
package query
