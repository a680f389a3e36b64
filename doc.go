// Package docudb provides an embedded, partitioned document database with
// compressed storage, predicate queries and HNSW vector search.
//
// A DB holds named collections. Each collection routes documents to
// partitions by a partition key derived from configured fields, stores them
// compressed in a write-ahead-logged store, and answers queries by fanning
// out to the partitions that can hold matches.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := docudb.Open(ctx, "./data")
//	defer db.Close()
//
//	users, _ := db.CreateCollection(ctx, "users", docudb.CollectionConfig{
//	    PartitionKeyFields: []string{"tenant"},
//	})
//
//	doc := document.New("u1", document.Fields{
//	    "tenant": document.String("acme"),
//	    "level":  document.Int(42),
//	})
//	res, _ := users.Insert(ctx, doc)
//	fmt.Println(res.PartitionID, res.CompressionRatio)
//
// # Queries
//
// Queries take a predicate expression with named parameters:
//
//	page, _ := users.Query("level > @min AND region IN ['eu', 'us']").
//	    Param("min", 40).
//	    OrderBy("level", true).
//	    Limit(20).
//	    Execute(ctx)
//
// A query whose predicate pins every partition key field by equality is sent
// to a single partition; other queries are sent to all of them. Results of
// repeated queries are served from a per-collection cache until a write
// touches one of the partitions they were computed from.
//
// If some partitions fail or time out, the query returns the results of the
// others with Partial set. Update and Delete refuse to act on partial
// results.
//
// # Vector Search
//
//	_ = users.CreateVectorIndex(ctx, "embedding", 768, distance.Cosine)
//	res, _ := users.VectorSearch("embedding", q).
//	    TopK(5).
//	    MinSimilarity(0.7).
//	    Filter("tenant = @t").
//	    Param("t", "acme").
//	    Execute(ctx)
//	for _, hit := range res.Results {
//	    fmt.Println(hit.DocID, hit.Score)
//	}
//
// Like queries, a vector search that loses some partitions returns the
// neighbours found in the others with Partial set.
//
// # Partitioning
//
// Hash collections start with CollectionConfig.HashPartitions partitions and
// range collections with the partitions between their RangeBoundaries. A
// partition whose compressed size exceeds MaxPartitionSize is split in two in
// the background; Split does the same on demand. Every split publishes a new
// routing table version.
//
// # Errors
//
// Operations return *Error values carrying a Kind. Use errors.Is with the
// kind sentinels:
//
//	if errors.Is(err, docudb.ErrValidation) {
//	    // rejected input
//	}
package docudb
