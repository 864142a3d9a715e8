// Package quiver provides an embedded, versioned vector table engine for Go.
//
// Tables live in a blobstore (local directory, memory, S3 or MinIO) as
// immutable columnar fragments plus an append-only manifest log. Every write
// publishes a new version with an atomic compare-and-publish, so concurrent
// writers from any number of processes never corrupt a table, and readers
// always see one consistent snapshot.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := quiver.Connect(ctx, "./data")
//
//	sch, _ := schema.New(
//	    schema.Field{Name: "item", Type: schema.TypeString},
//	    schema.Field{Name: "vector", Type: schema.TypeVector, Dim: 2},
//	)
//	tbl, _ := db.CreateTable(ctx, "items", sch)
//
//	_ = tbl.Insert(ctx, []schema.Row{
//	    {"item": "foo", "vector": []float32{3.1, 4.1}},
//	    {"item": "bar", "vector": []float32{5.9, 26.5}},
//	})
//
//	results, _ := tbl.Search([]float32{3, 4}).
//	    Limit(5).
//	    Filter("item != 'bar'").
//	    Execute(ctx)
//
// # Indexing
//
// Searches are exact scans until an IVF-PQ index is built:
//
//	_ = tbl.CreateIndex(ctx, ivfpq.Params{
//	    NumPartitions: 256,
//	    NumSubvectors: 16,
//	    Seed:          42,
//	})
//
// The index serves the rows it covers from quantized posting lists and the
// executor scans rows inserted after the build exactly, so results stay
// correct between rebuilds.
//
// # Versions
//
// Every insert and delete is a new version. Old versions stay readable:
//
//	_ = tbl.Checkout(ctx, 3)          // pin reads to version 3
//	tbl.CheckoutLatest()              // back to the newest version
//	_, _, _ = tbl.CleanupOldVersions(ctx, 10) // retain the newest 10
//
// # Key Properties
//
//   - Snapshot isolation: a query reads one version for its whole run
//   - Optimistic concurrency: conflicting writers rebase and retry
//   - Deterministic index builds for a given snapshot, parameters and seed
//   - Checksummed storage; corruption is reported, never repaired
package quiver
