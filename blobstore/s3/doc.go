// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("docudb/"),
//	    s3.WithRegion("eu-central-1"),
//	)
//
// S3 has no compare-and-swap, so two processes splitting partitions of the
// same collection could overwrite each other's CURRENT pointer. DDBCommitStore
// adds a DynamoDB conditional write for CURRENT and turns such a race into
// ErrConcurrentModification.
package s3
