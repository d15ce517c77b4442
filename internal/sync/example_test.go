package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/ktec-smt/aoirecord/internal/sync"
)

// This example demonstrates the session-end merge.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	merger := sync.New(sync.Config{
		LocalDir:  "data",
		SharedDir: `\\nas01\aoi\shared`,
	})

	res, err := merger.Merge(context.Background())
	if err != nil {
		log.Printf("merge skipped: %v", err)
		return
	}

	fmt.Printf("upserted=%d deleted=%d\n", res.Upserted, res.Deleted)
}

// This example demonstrates seeding the local store at session start.
func ExampleMerger_Seed() {
	merger := sync.New(sync.Config{LocalDir: "data", SharedDir: "shared"})

	res, err := merger.Seed(context.Background())
	if err != nil {
		log.Printf("seed skipped: %v", err)
		return
	}
	if res.CopiedLocal {
		fmt.Println("local store copied from shared store")
	}
}
