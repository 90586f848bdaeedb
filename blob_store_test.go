package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func newTestBlobStore(t *testing.T, cfg BlobStoreConfig, opts ...Option) (*BlobStore, *MemStore, *MemoryBackend) {
	t.Helper()
	ctx := context.Background()

	index := NewMemStore("index", WithKeyField("task_id"))
	backend := NewMemoryBackend()
	if cfg.Bucket == "" {
		cfg.Bucket = "test-bucket"
	}

	store, err := NewBlobStore(index, backend, cfg, opts...)
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	if err := store.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, index, backend
}

// TestBlobStore_RoundTrip verifies a document written via Update comes back
// through Query unchanged, without bookkeeping fields
func TestBlobStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestBlobStore(t, BlobStoreConfig{SubDir: "tasks"})

	written := Document{
		"task_id": "t-1",
		"state":   "done",
		"nested":  map[string]interface{}{"owner": "ann"},
	}
	if err := store.Update(ctx, []Document{written}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	docs, err := ReadAll(mustQuery(t, store, QueryOptions{}))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("Expected 1 doc, got %d", len(docs))
	}
	got := docs[0]

	if _, ok := got["sub_dir"]; ok {
		t.Error("Bookkeeping field sub_dir leaked into the returned document")
	}
	if _, ok := got["compression"]; ok {
		t.Error("Bookkeeping field compression leaked into the returned document")
	}
	if got["task_id"] != "t-1" || got["state"] != "done" {
		t.Errorf("Round-trip altered fields: %v", got)
	}
	nested, ok := got["nested"].(map[string]interface{})
	if !ok || nested["owner"] != "ann" {
		t.Errorf("Round-trip altered nested value: %v", got["nested"])
	}
}

// TestBlobStore_CompressedRoundTrip verifies zlib compression is
// transparent to readers and marked on the index entry
func TestBlobStore_CompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, index, _ := newTestBlobStore(t, BlobStoreConfig{Compress: true})

	if err := store.Update(ctx, []Document{{"task_id": "t-1", "payload": "data"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	entries, _ := ReadAll(mustQuery(t, index, QueryOptions{}))
	if len(entries) != 1 || entries[0]["compression"] != CompressionZlib {
		t.Errorf("Expected zlib marker on index entry, got %v", entries)
	}

	docs, err := ReadAll(mustQuery(t, store, QueryOptions{}))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(docs) != 1 || docs[0]["payload"] != "data" {
		t.Errorf("Compressed round-trip failed: %v", docs)
	}
}

// TestBlobStore_Consistency verifies Update creates both halves and
// WithBlobs removal deletes both
func TestBlobStore_Consistency(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{SubDir: "tasks"})

	if err := store.Update(ctx, []Document{{"task_id": "t-1", "state": "done"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if n, _ := index.Count(ctx, nil); n != 1 {
		t.Errorf("Expected 1 index entry, got %d", n)
	}
	if backend.Len() != 1 {
		t.Errorf("Expected 1 blob object, got %d", backend.Len())
	}
	if _, err := backend.Get(ctx, "tasks/t-1"); err != nil {
		t.Errorf("Blob not addressable at sub_dir+key: %v", err)
	}

	if err := store.RemoveDocs(ctx, Criteria{"task_id": "t-1"}, WithBlobs()); err != nil {
		t.Fatalf("RemoveDocs failed: %v", err)
	}
	if n, _ := index.Count(ctx, nil); n != 0 {
		t.Errorf("Index entry survived hard delete, count = %d", n)
	}
	if backend.Len() != 0 {
		t.Errorf("Blob survived hard delete, %d objects left", backend.Len())
	}
}

// TestBlobStore_SoftDeleteKeepsBlobs verifies removal without WithBlobs
// leaves blob objects in place
func TestBlobStore_SoftDeleteKeepsBlobs(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{})

	if err := store.Update(ctx, []Document{{"task_id": "t-1"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.RemoveDocs(ctx, Criteria{"task_id": "t-1"}); err != nil {
		t.Fatalf("RemoveDocs failed: %v", err)
	}

	if n, _ := index.Count(ctx, nil); n != 0 {
		t.Errorf("Index entry survived soft delete, count = %d", n)
	}
	if backend.Len() != 1 {
		t.Errorf("Soft delete touched blobs, %d objects left", backend.Len())
	}
}

// TestBlobStore_BulkDeleteChunking verifies 2500 keys produce exactly
// three backend calls of 1000, 1000 and 500 keys
func TestBlobStore_BulkDeleteChunking(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{})

	docs := make([]Document, 2500)
	for i := range docs {
		docs[i] = Document{"task_id": fmt.Sprintf("t-%04d", i)}
	}
	// Seed the index directly; this test is about the delete path
	if err := index.Update(ctx, docs); err != nil {
		t.Fatalf("index seed failed: %v", err)
	}

	if err := store.RemoveDocs(ctx, nil, WithBlobs()); err != nil {
		t.Fatalf("RemoveDocs failed: %v", err)
	}

	want := []int{1000, 1000, 500}
	if got := backend.DeleteBatchSizes(); !reflect.DeepEqual(got, want) {
		t.Errorf("DeleteBatch call sizes = %v, want %v", got, want)
	}
}

// TestBlobStore_MissingBlobTruncatesQuery verifies a missing blob ends the
// cursor as a normal end of results, after yielding what came before it
func TestBlobStore_MissingBlobTruncatesQuery(t *testing.T) {
	ctx := context.Background()
	metrics := NewInMemoryMetrics()
	store, _, backend := newTestBlobStore(t, BlobStoreConfig{}, WithMetrics(metrics))

	if err := store.Update(ctx, []Document{
		{"task_id": "t-1", "n": int64(1)},
		{"task_id": "t-2", "n": int64(2)},
		{"task_id": "t-3", "n": int64(3)},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Remove the middle blob behind the index's back
	if err := backend.DeleteBatch(ctx, []string{"t-2"}); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	cur := mustQuery(t, store, QueryOptions{Sort: []SortField{{Field: "task_id"}}})
	docs, err := ReadAll(cur)
	if err != nil {
		t.Fatalf("Expected truncation without error, got %v", err)
	}
	if len(docs) != 1 || docs[0]["task_id"] != "t-1" {
		t.Errorf("Expected exactly the doc before the miss, got %v", docs)
	}
	if metrics.Counters[MetricBlobMisses] != 1 {
		t.Errorf("Expected 1 recorded blob miss, got %d", metrics.Counters[MetricBlobMisses])
	}
}

// TestBlobStore_ProjectionFromEntrySkipsBlob verifies a projection fully
// satisfiable from the index entry never touches the backend
func TestBlobStore_ProjectionFromEntrySkipsBlob(t *testing.T) {
	ctx := context.Background()
	store, _, backend := newTestBlobStore(t, BlobStoreConfig{
		SearchFields: []string{"state"},
	})

	if err := store.Update(ctx, []Document{{"task_id": "t-1", "state": "done", "payload": "big"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Drop every blob; entry-only projections must still be served
	if err := backend.DeleteBatch(ctx, []string{"t-1"}); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	docs, err := ReadAll(mustQuery(t, store, QueryOptions{Projection: Project("task_id", "state")}))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(docs) != 1 || docs[0]["state"] != "done" {
		t.Errorf("Entry-satisfiable projection not served from index: %v", docs)
	}
	if _, ok := docs[0]["payload"]; ok {
		t.Error("Projection leaked an unrequested field")
	}
}

// TestBlobStore_UpdateFailureFailsBatch verifies a blob write failure fails
// the whole call and commits nothing to the index
func TestBlobStore_UpdateFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{})

	backend.FailPuts(true)
	err := store.Update(ctx, []Document{
		{"task_id": "t-1"},
		{"task_id": "t-2"},
	})
	if err == nil {
		t.Fatal("Expected Update to fail when blob writes fail")
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected wrapped backend error, got %v", err)
	}
	if n, _ := index.Count(ctx, nil); n != 0 {
		t.Errorf("Index entries committed despite blob failure, count = %d", n)
	}
}

// TestBlobStore_UpdateMissingKey verifies a document without the key field
// fails the batch before anything is committed
func TestBlobStore_UpdateMissingKey(t *testing.T) {
	ctx := context.Background()
	store, index, _ := newTestBlobStore(t, BlobStoreConfig{})

	err := store.Update(ctx, []Document{{"state": "orphan"}})
	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("Expected ErrInvalidData, got %v", err)
	}
	if n, _ := index.Count(ctx, nil); n != 0 {
		t.Errorf("Index entry committed for keyless doc, count = %d", n)
	}
}

// TestBlobStore_LastUpdatedNormalized verifies the entry carries the
// millisecond-ceiling ISO string while the blob keeps the original value
func TestBlobStore_LastUpdatedNormalized(t *testing.T) {
	ctx := context.Background()
	store, index, _ := newTestBlobStore(t, BlobStoreConfig{})

	orig := time.Date(2023, 6, 1, 12, 30, 45, 123456789, time.UTC)
	if err := store.Update(ctx, []Document{{"task_id": "t-1", "last_updated": orig}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	entries, _ := ReadAll(mustQuery(t, index, QueryOptions{}))
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	luStr, ok := entries[0]["last_updated"].(string)
	if !ok {
		t.Fatalf("Entry last_updated not re-encoded as string: %T", entries[0]["last_updated"])
	}
	if luStr != FormatTimestampCeilMillis(orig) {
		t.Errorf("Entry last_updated = %q, want %q", luStr, FormatTimestampCeilMillis(orig))
	}

	docs, _ := ReadAll(mustQuery(t, store, QueryOptions{}))
	got, ok := docs[0]["last_updated"].(time.Time)
	if !ok || !got.Equal(orig) {
		t.Errorf("Blob last_updated altered: %v, want %v", docs[0]["last_updated"], orig)
	}
}

// TestBlobStore_StripsInternalID verifies the database-internal _id never
// reaches blob bodies or rebuilt metadata
func TestBlobStore_StripsInternalID(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestBlobStore(t, BlobStoreConfig{})

	if err := store.Update(ctx, []Document{{"task_id": "t-1", "_id": "internal"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	docs, _ := ReadAll(mustQuery(t, store, QueryOptions{}))
	if len(docs) != 1 {
		t.Fatalf("Expected 1 doc, got %d", len(docs))
	}
	if _, ok := docs[0]["_id"]; ok {
		t.Error("Internal _id persisted into the blob body")
	}
}

// TestBlobStore_RebuildIndexFromBlobs verifies a lost index is
// reconstructed from blob object metadata
func TestBlobStore_RebuildIndexFromBlobs(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{SubDir: "tasks"})

	if err := store.Update(ctx, []Document{
		{"task_id": "t-1", "state": "done"},
		{"task_id": "t-2", "state": "new"},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Simulate index loss
	if err := index.RemoveDocs(ctx, nil); err != nil {
		t.Fatalf("index wipe failed: %v", err)
	}

	rebuilt, err := NewBlobStore(index, backend, BlobStoreConfig{Bucket: "test-bucket", SubDir: "tasks"})
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	if err := rebuilt.RebuildIndexFromBlobs(ctx); err != nil {
		t.Fatalf("RebuildIndexFromBlobs failed: %v", err)
	}

	n, _ := index.Count(ctx, nil)
	if n != 2 {
		t.Fatalf("Expected 2 rebuilt entries, got %d", n)
	}
	entries, _ := ReadAll(mustQuery(t, index, QueryOptions{Criteria: Criteria{"task_id": "t-1"}}))
	if len(entries) != 1 {
		t.Fatalf("Rebuilt entry for t-1 missing")
	}
}

// TestBlobStore_RebuildMetadataFromIndex verifies object metadata is
// refreshed from index entries with lower-cased keys and no _id
func TestBlobStore_RebuildMetadataFromIndex(t *testing.T) {
	ctx := context.Background()
	store, index, backend := newTestBlobStore(t, BlobStoreConfig{})

	if err := store.Update(ctx, []Document{{"task_id": "t-1", "state": "done"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	// Give the index entry fields the rebuild should push out
	if err := index.Update(ctx, []Document{{"task_id": "t-1", "state": "done", "Stage": "final"}}); err != nil {
		t.Fatalf("index update failed: %v", err)
	}

	if err := store.RebuildMetadataFromIndex(ctx, nil); err != nil {
		t.Fatalf("RebuildMetadataFromIndex failed: %v", err)
	}

	meta, err := backend.Metadata(ctx, "t-1")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta["stage"] != "final" {
		t.Errorf("Expected lower-cased merged key stage=final, got %v", meta)
	}
	if _, ok := meta["Stage"]; ok {
		t.Error("Mixed-case metadata key survived rebuild")
	}
	if _, ok := meta["_id"]; ok {
		t.Error("Internal _id survived metadata rebuild")
	}
}

// TestBlobStore_DelegatedReads verifies metadata-only operations hit the
// index store directly
func TestBlobStore_DelegatedReads(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestBlobStore(t, BlobStoreConfig{SearchFields: []string{"state"}})

	if err := store.Update(ctx, []Document{
		{"task_id": "t-1", "state": "done"},
		{"task_id": "t-2", "state": "done"},
		{"task_id": "t-3", "state": "new"},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if n, _ := store.Count(ctx, Criteria{"state": "done"}); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	values, err := store.Distinct(ctx, "state", nil)
	if err != nil {
		t.Fatalf("Distinct failed: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("Distinct = %v, want 2 values", values)
	}

	groups, err := store.GroupBy(ctx, []string{"state"}, QueryOptions{})
	if err != nil {
		t.Fatalf("GroupBy failed: %v", err)
	}
	if len(groups) != 2 {
		t.Errorf("GroupBy produced %d groups, want 2", len(groups))
	}
}

// TestBlobStore_EqualityAndHash verifies identity follows the index, the
// bucket and the last-updated field, never live handles
func TestBlobStore_EqualityAndHash(t *testing.T) {
	indexA := NewMemStore("idx", WithKeyField("task_id"))
	indexB := NewMemStore("idx", WithKeyField("task_id"))
	indexC := NewMemStore("other", WithKeyField("task_id"))

	mk := func(index Store, bucket string) *BlobStore {
		s, err := NewBlobStore(index, NewMemoryBackend(), BlobStoreConfig{Bucket: bucket})
		if err != nil {
			t.Fatalf("NewBlobStore failed: %v", err)
		}
		return s
	}

	a := mk(indexA, "bucket-1")
	b := mk(indexB, "bucket-1")
	c := mk(indexC, "bucket-1")
	d := mk(indexA, "bucket-2")

	if !a.Equal(b) {
		t.Error("Stores over equal indexes and buckets compare unequal")
	}
	if a.Equal(c) {
		t.Error("Stores over different indexes compare equal")
	}
	if a.Equal(d) {
		t.Error("Stores over different buckets compare equal")
	}
	if HashStore(a) != HashStore(b) {
		t.Error("Equal stores hash differently")
	}
}

// TestBlobStore_ConstructionErrors verifies missing capabilities fail at
// construction time
func TestBlobStore_ConstructionErrors(t *testing.T) {
	index := NewMemStore("idx")

	if _, err := NewBlobStore(index, nil, BlobStoreConfig{Bucket: "b"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil backend, got %v", err)
	}
	if _, err := NewBlobStore(nil, NewMemoryBackend(), BlobStoreConfig{Bucket: "b"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil index, got %v", err)
	}
	if _, err := NewBlobStore(index, NewMemoryBackend(), BlobStoreConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for empty bucket, got %v", err)
	}
}
