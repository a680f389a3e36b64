package docudb_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/docudb"
	"github.com/hupe1980/docudb/distance"
	"github.com/hupe1980/docudb/document"
)

func exampleDB(ctx context.Context) (*docudb.DB, func()) {
	dir, err := os.MkdirTemp("", "docudb-example")
	if err != nil {
		log.Fatal(err)
	}
	db, err := docudb.Open(ctx, dir, docudb.WithDurability(docudb.DurabilityAsync))
	if err != nil {
		log.Fatal(err)
	}
	return db, func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	}
}

// Example_query demonstrates inserting documents and querying them with a
// parameterized predicate.
func Example_query() {
	ctx := context.Background()
	db, cleanup := exampleDB(ctx)
	defer cleanup()

	users, err := db.CreateCollection(ctx, "users", docudb.CollectionConfig{
		PartitionKeyFields: []string{"tenant"},
	})
	if err != nil {
		log.Fatal(err)
	}

	for i, level := range []int64{40, 42, 55} {
		doc := document.New(fmt.Sprintf("u%d", i), document.Fields{
			"tenant": document.String("acme"),
			"level":  document.Int(level),
		})
		if _, err := users.Insert(ctx, doc); err != nil {
			log.Fatal(err)
		}
	}

	res, err := users.Query("level > @min_level").
		Param("min_level", 40).
		OrderBy("level", false).
		Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, doc := range res.Documents {
		level, _ := doc.Get("level")
		fmt.Println(doc.ID, level)
	}
	// Output:
	// u1 42
	// u2 55
}

// Example_vectorSearch demonstrates a nearest-neighbour search over an
// indexed vector field.
func Example_vectorSearch() {
	ctx := context.Background()
	db, cleanup := exampleDB(ctx)
	defer cleanup()

	docs, err := db.CreateCollection(ctx, "docs", docudb.CollectionConfig{
		PartitionKeyFields: []string{"lang"},
		VectorIndexes: []docudb.VectorIndexConfig{
			{Field: "embedding", Dimension: 3, Metric: distance.Euclidean},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	vectors := map[string][]float32{
		"red":   {1, 0, 0},
		"green": {0, 1, 0},
		"blue":  {0, 0, 1},
	}
	for id, v := range vectors {
		doc := document.New(id, document.Fields{
			"lang":      document.String("en"),
			"embedding": document.Vector(v),
		})
		if _, err := docs.Insert(ctx, doc); err != nil {
			log.Fatal(err)
		}
	}

	res, err := docs.VectorSearch("embedding", []float32{0.9, 0.1, 0}).TopK(1).Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Results[0].DocID, res.Partial)
	// Output: red false
}

// Example_errors demonstrates matching error kinds.
func Example_errors() {
	ctx := context.Background()
	db, cleanup := exampleDB(ctx)
	defer cleanup()

	users, err := db.CreateCollection(ctx, "users", docudb.CollectionConfig{
		PartitionKeyFields: []string{"tenant"},
	})
	if err != nil {
		log.Fatal(err)
	}

	_, err = users.Insert(ctx, document.New("u1", document.Fields{"name": document.String("no tenant")}))
	fmt.Println(errors.Is(err, docudb.ErrValidation), docudb.KindOf(err))
	// Output: true validation
}
