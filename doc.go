// Package docstore provides a uniform document-store layer for ETL-style
// data pipelines, built around a hybrid of a queryable index store and a
// remote blob backend (S3, GCS, or in-memory).
//
// # Overview
//
// Pipeline stages program against the Store interface: Connect/Close,
// Count, Query (lazy cursor), Distinct, GroupBy, EnsureIndex, Update
// (upsert), RemoveDocs, LastUpdated and NewerIn. Concrete implementations:
//
//   - MemStore: in-process, for tests and ephemeral pipelines
//   - RedisStore: documents as JSON in a Redis hash per collection
//   - PostgresStore: one JSONB table per collection with containment pushdown
//   - BlobStore: the hybrid — metadata entries in any of the above, full
//     documents as msgpack blobs in object storage
//
// # Quick Start
//
// A hybrid store over MinIO with an in-memory index:
//
//	backend, err := docstore.NewS3BackendFromConfig(ctx, docstore.S3Config{
//	    Bucket:    "pipeline-data",
//	    Endpoint:  "http://localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	})
//	if err != nil { ... }
//
//	index := docstore.NewMemStore("tasks", docstore.WithKeyField("task_id"))
//	store, err := docstore.NewBlobStore(index, backend, docstore.BlobStoreConfig{
//	    Bucket:   "pipeline-data",
//	    SubDir:   "tasks",
//	    Compress: true,
//	})
//	if err != nil { ... }
//	if err := store.Connect(ctx); err != nil { ... }
//	defer store.Close()
//
//	err = store.Update(ctx, []docstore.Document{
//	    {"task_id": "t-1", "state": "done", "last_updated": time.Now()},
//	})
//
//	cur, err := store.Query(ctx, docstore.QueryOptions{
//	    Criteria: docstore.Criteria{"state": "done"},
//	})
//	defer cur.Close()
//	for cur.Next() {
//	    doc := cur.Doc()
//	    ...
//	}
//
// # Core Concepts
//
// Index entry: the metadata-only projection of a document (key value,
// configured search fields, last-updated re-encoded to millisecond ISO-8601)
// kept in the index store. Projections fully satisfiable from the entry are
// answered without touching the blob backend.
//
// Blob object: the full document, msgpack-encoded and optionally
// zlib-compressed, stored at sub_dir + key with the flattened entry as
// object metadata. Because the metadata mirrors the entry, a lost index can
// be rebuilt from the bucket alone (RebuildIndexFromBlobs), and stale object
// metadata can be refreshed from the index (RebuildMetadataFromIndex).
//
// Incremental processing: LastUpdated and NewerIn compare stores by their
// change-detection timestamps, normalized to the millisecond ceiling so a
// backend that only keeps milliseconds never makes a record look older than
// it is.
//
// # Observability
//
// Stores accept a Logger and Metrics via options. Zap and Prometheus
// implementations ship with the package:
//
//	logger, _ := docstore.NewProductionZapLogger()
//	metrics := docstore.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	store, err := docstore.NewBlobStore(index, backend, cfg,
//	    docstore.WithLogger(logger), docstore.WithMetrics(metrics))
//
// # Gotchas
//
// 1. Update is a batch barrier, not a transaction: all blob writes in one
// call finish before any index entry is committed, and any write failure
// fails the whole call. Across calls there is no atomicity; concurrent
// writers to the same key race with last-write-wins semantics.
//
// 2. A missing blob during Query ends the cursor early rather than
// erroring. The miss is logged and counted (docstore.blob.misses); run
// RebuildIndexFromBlobs when an index is suspected stale.
//
// 3. RemoveDocs deletes only index entries unless WithBlobs is passed.
package docstore
