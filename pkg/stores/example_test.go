package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/siteconf/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	err = store.SaveIndex(ctx, &stores.Index{
		Label:        "workstation",
		HistoryBound: 10,
		Snapshots:    []string{stores.NewSnapshotLocation(time.Now())},
	})
	if err != nil {
		log.Fatal(err)
	}

	idx, err := store.LoadIndex(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(idx.Label, len(idx.Snapshots))
	// Output: workstation 1
}
