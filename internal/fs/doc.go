// Package fs provides the filesystem abstraction used by the WAL and the local
// blob store, plus fault injection for tests.
//
//   - [FileSystem] / [File]: the operations docudb performs on disk
//   - [LocalFS]: production implementation on top of package os
//   - [FaultyFS]: wraps another FileSystem and fails matching files on demand
//
// Tests inject a FaultyFS to simulate torn writes, failing fsyncs and failing
// renames:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal-", fs.Fault{FailOnSync: true})
//
// Operations take no context.Context: local syscalls cannot be interrupted
// meaningfully. Remote storage goes through package blobstore instead.
package fs
