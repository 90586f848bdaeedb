package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultWriteWorkers bounds concurrent blob writes inside one Update call
// when the config does not say otherwise.
const DefaultWriteWorkers = 4

// BlobStoreConfig carries the blob half of a hybrid store's identity
type BlobStoreConfig struct {
	// Bucket is the object-storage bucket holding the blobs
	Bucket string

	// SubDir prefixes every object key. Stored on each index entry so a
	// rebuilt index keeps addressing the right objects.
	SubDir string

	// SearchFields are the document fields copied onto each index entry so
	// metadata-only queries can be answered without a blob fetch.
	SearchFields []string

	// Compress zlib-compresses blob bodies and marks the entries accordingly
	Compress bool

	// Workers bounds concurrent blob writes per Update call (default
	// DefaultWriteWorkers).
	Workers int
}

// Validate checks if the BlobStoreConfig is usable
func (c BlobStoreConfig) Validate() error {
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket name is required",
		})
	}
	return nil
}

// BlobStore is the hybrid store: a queryable index Store holding metadata
// entries, paired with an object backend holding the full serialized
// documents. Criteria, sort and windowing run against the index; document
// bodies are fetched lazily at cursor-iteration time.
type BlobStore struct {
	index   Store
	backend BlobBackend

	bucket       string
	subDir       string // normalized: empty, or prefix with trailing slash
	searchFields []string
	compress     bool
	workers      int

	logger  Logger
	metrics Metrics
}

// NewBlobStore composes an index store and a blob backend into a hybrid
// store. A nil backend is a construction-time error; discovering a missing
// storage capability at first use helps nobody.
func NewBlobStore(index Store, backend BlobBackend, cfg BlobStoreConfig, opts ...Option) (*BlobStore, error) {
	if index == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "index",
			"reason": "an index store is required",
		})
	}
	if backend == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "backend",
			"reason": "a blob backend is required",
		})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := defaultSettings()
	settings.apply(opts)

	workers := cfg.Workers
	if workers < 1 {
		workers = DefaultWriteWorkers
	}

	return &BlobStore{
		index:        index,
		backend:      backend,
		bucket:       cfg.Bucket,
		subDir:       normalizeSubDir(cfg.SubDir),
		searchFields: cfg.SearchFields,
		compress:     cfg.Compress,
		workers:      workers,
		logger:       settings.logger,
		metrics:      settings.metrics,
	}, nil
}

func normalizeSubDir(s string) string {
	s = strings.Trim(s, "/")
	if s == "" {
		return ""
	}
	return s + "/"
}

// objectKey addresses the blob paired with a document key
func (s *BlobStore) objectKey(key string) string {
	return s.subDir + key
}

// Name identifies the store for logging and diagnostics
func (s *BlobStore) Name() string {
	if s.subDir != "" {
		return "blob://" + s.bucket + "/" + s.subDir
	}
	return "blob://" + s.bucket
}

// Key returns the document key field, taken from the index store
func (s *BlobStore) Key() string { return s.index.Key() }

// LastUpdatedField returns the change-detection field, taken from the index
func (s *BlobStore) LastUpdatedField() string { return s.index.LastUpdatedField() }

// Fingerprint returns the store's identity tuple as a stable string. The
// tuple is the wrapped index identity, the bucket and the last-updated
// field; live handles never contribute.
func (s *BlobStore) Fingerprint() string {
	return fmt.Sprintf("blob://%s/%s?index=%s&lu=%s",
		s.bucket, s.subDir, s.index.Fingerprint(), s.LastUpdatedField())
}

// Equal reports value equality of store identities
func (s *BlobStore) Equal(other Store) bool {
	o, ok := other.(*BlobStore)
	if !ok {
		return false
	}
	return s.index.Equal(o.index) &&
		s.bucket == o.bucket &&
		s.LastUpdatedField() == o.LastUpdatedField()
}

// Connect verifies the bucket exists, then connects the index store. A
// missing bucket fails fast and is not retried. Idempotent.
func (s *BlobStore) Connect(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return err
	}
	return s.index.Connect(ctx)
}

// Close releases the blob backend and the index store. Safe to call
// repeatedly, and without a prior Connect.
func (s *BlobStore) Close() error {
	backendErr := s.backend.Close()
	indexErr := s.index.Close()
	if backendErr != nil {
		return backendErr
	}
	return indexErr
}

// Count delegates to the index store
func (s *BlobStore) Count(ctx context.Context, criteria Criteria) (int64, error) {
	return s.index.Count(ctx, criteria)
}

// Distinct delegates to the index store
func (s *BlobStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]interface{}, error) {
	return s.index.Distinct(ctx, field, criteria)
}

// GroupBy delegates to the index store
func (s *BlobStore) GroupBy(ctx context.Context, keys []string, opts QueryOptions) ([]Group, error) {
	return s.index.GroupBy(ctx, keys, opts)
}

// EnsureIndex delegates to the index store
func (s *BlobStore) EnsureIndex(ctx context.Context, field string, unique bool) (bool, error) {
	return s.index.EnsureIndex(ctx, field, unique)
}

// LastUpdated delegates to the index store
func (s *BlobStore) LastUpdated(ctx context.Context) (time.Time, error) {
	return s.index.LastUpdated(ctx)
}

// NewerIn delegates to the index store
func (s *BlobStore) NewerIn(ctx context.Context, target Store, criteria Criteria, exhaustive bool) ([]string, error) {
	return s.index.NewerIn(ctx, target, criteria, exhaustive)
}

// Query runs criteria, sort and windowing against the index, then resolves
// each result lazily: a projection fully satisfiable from the index entry
// is answered without touching the backend; anything else fetches and
// decodes the blob at iteration time.
//
// A missing blob ends the cursor early: the miss is logged and counted, and
// iteration reports a normal end of results. Callers needing hard
// consistency should run RebuildIndexFromBlobs first.
func (s *BlobStore) Query(ctx context.Context, opts QueryOptions) (Cursor, error) {
	start := time.Now()

	indexOpts := opts
	indexOpts.Projection = nil // entries stay whole for satisfiability checks
	entries, err := s.index.Query(ctx, indexOpts)
	if err != nil {
		return nil, err
	}

	s.metrics.Timing(MetricQueryDuration, time.Since(start))
	return &blobCursor{
		ctx:     ctx,
		store:   s,
		entries: entries,
		proj:    opts.Projection,
	}, nil
}

type blobCursor struct {
	ctx     context.Context
	store   *BlobStore
	entries Cursor
	proj    *Projection

	cur     Document
	err     error
	done    bool
	yielded int
}

func (c *blobCursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if !c.entries.Next() {
		c.finish()
		return false
	}

	entry := c.entries.Doc()
	doc, ok, err := c.store.resolveEntry(c.ctx, entry, c.proj)
	if err != nil {
		c.err = err
		c.finish()
		return false
	}
	if !ok {
		// Missing blob: truncate this query's results
		c.finish()
		return false
	}

	c.cur = doc
	c.yielded++
	return true
}

func (c *blobCursor) finish() {
	if c.done {
		return
	}
	c.done = true
	if err := c.entries.Err(); err != nil && c.err == nil {
		c.err = err
	}
	c.store.metrics.Histogram(MetricQueryResults, float64(c.yielded))
}

func (c *blobCursor) Doc() Document { return c.cur }
func (c *blobCursor) Err() error    { return c.err }

func (c *blobCursor) Close() error {
	c.finish()
	return c.entries.Close()
}

// resolveEntry turns one index entry into a result document. ok=false with
// a nil error means the paired blob is gone and the query should truncate.
func (s *BlobStore) resolveEntry(ctx context.Context, entry Document, proj *Projection) (Document, bool, error) {
	if proj != nil && entrySatisfies(entry, proj) {
		return projectDoc(entry, proj), true, nil
	}

	keyVal, ok := entry[s.Key()]
	if !ok {
		return nil, false, WithContext(ErrInvalidData, map[string]interface{}{
			"store":  s.Name(),
			"reason": "index entry missing key field",
			"field":  s.Key(),
		})
	}
	objKey := s.objectKey(keyString(keyVal))

	start := time.Now()
	body, err := s.backend.Get(ctx, objKey)
	if err != nil {
		if IsNotFound(err) {
			s.logger.Warn("blob missing for index entry, ending query",
				"store", s.Name(), "key", objKey)
			s.metrics.Increment(MetricBlobMisses)
			return nil, false, nil
		}
		return nil, false, err
	}
	s.metrics.Timing(MetricBlobGetDuration, time.Since(start))

	if compression, _ := entry["compression"].(string); compression == CompressionZlib {
		body, err = decompressZlib(body)
		if err != nil {
			return nil, false, err
		}
	}

	doc, err := decodeDocument(body)
	if err != nil {
		return nil, false, err
	}
	// Bookkeeping fields never surface on returned documents
	delete(doc, "compression")
	delete(doc, "sub_dir")

	if proj != nil {
		doc = projectDoc(doc, proj)
	}
	return doc, true, nil
}

// entrySatisfies reports whether every projected field is present on the
// index entry itself.
func entrySatisfies(entry Document, proj *Projection) bool {
	for _, f := range proj.Fields {
		if _, ok := getPath(entry, f); !ok {
			return false
		}
	}
	return true
}

// Update upserts docs: blob bodies are written concurrently, bounded by the
// configured worker count, and the index entries are committed only after
// every blob write in the batch has succeeded. Any blob failure fails the
// whole call and nothing reaches the index.
func (s *BlobStore) Update(ctx context.Context, docs []Document, keys ...string) error {
	if len(docs) == 0 {
		return nil
	}
	start := time.Now()
	searchKeys := resolveSearchKeys(s.Key(), keys)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	// One result slot per document; no shared mutable state between writers
	entries := make([]Document, len(docs))
	for i, doc := range docs {
		g.Go(func() error {
			entry, err := s.writeBlob(gctx, doc, searchKeys)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}

	// Batch barrier: no index entry is committed until every blob landed
	if err := g.Wait(); err != nil {
		s.metrics.Increment(MetricUpdateErrors)
		return err
	}

	if err := s.index.Update(ctx, entries, keys...); err != nil {
		s.metrics.Increment(MetricUpdateErrors)
		return err
	}

	s.metrics.Timing(MetricUpdateDuration, time.Since(start))
	s.metrics.Histogram(MetricUpdateDocs, float64(len(docs)))
	return nil
}

// writeBlob serializes one document, writes its blob object and returns the
// index entry to commit for it.
func (s *BlobStore) writeBlob(ctx context.Context, doc Document, searchKeys []string) (Document, error) {
	keyVal, ok := getPath(doc, s.Key())
	if !ok || keyVal == nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"store":   s.Name(),
			"missing": s.Key(),
		})
	}

	entry := make(Document, len(searchKeys)+4)
	entry[s.Key()] = keyVal
	for _, f := range searchKeys {
		v, ok := getPath(doc, f)
		if !ok {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"store":   s.Name(),
				"missing": f,
			})
		}
		entry[f] = v
	}
	for _, f := range s.searchFields {
		if v, ok := getPath(doc, f); ok {
			entry[f] = v
		}
	}
	if s.subDir != "" {
		entry["sub_dir"] = s.subDir
	}

	luField := s.LastUpdatedField()
	if v, ok := getPath(doc, luField); ok {
		switch t := v.(type) {
		case time.Time:
			entry[luField] = FormatTimestampCeilMillis(t)
		case string:
			parsed, err := ParseTimestamp(t)
			if err != nil {
				return nil, WithContext(ErrInvalidData, map[string]interface{}{
					"store": s.Name(),
					"field": luField,
					"cause": err.Error(),
				})
			}
			entry[luField] = FormatTimestampCeilMillis(parsed)
		}
	}

	blobDoc := doc.Clone()
	delete(blobDoc, "_id") // database-internal identity never persists

	body, err := encodeDocument(blobDoc)
	if err != nil {
		return nil, err
	}
	if s.compress {
		body, err = compressZlib(body)
		if err != nil {
			return nil, err
		}
		entry["compression"] = CompressionZlib
	}

	start := time.Now()
	objKey := s.objectKey(keyString(keyVal))
	if err := s.backend.Put(ctx, objKey, body, metadataStrings(entry)); err != nil {
		return nil, WithContext(err, map[string]interface{}{
			"store": s.Name(),
			"key":   objKey,
		})
	}
	s.metrics.Timing(MetricBlobPutDuration, time.Since(start))
	s.metrics.Histogram(MetricBlobPutBytes, float64(len(body)))

	return entry, nil
}

// RemoveDocs deletes index entries matching criteria. With WithBlobs the
// paired blob objects are removed too, chunked to the backend's bulk-delete
// limit.
func (s *BlobStore) RemoveDocs(ctx context.Context, criteria Criteria, opts ...RemoveOption) error {
	start := time.Now()
	o := applyRemoveOptions(opts)

	if !o.withBlobs {
		if err := s.index.RemoveDocs(ctx, criteria); err != nil {
			return err
		}
		s.metrics.Timing(MetricRemoveDuration, time.Since(start))
		return nil
	}

	keyVals, err := s.index.Distinct(ctx, s.Key(), criteria)
	if err != nil {
		return err
	}
	if err := s.index.RemoveDocs(ctx, criteria); err != nil {
		return err
	}

	objKeys := make([]string, 0, len(keyVals))
	for _, v := range keyVals {
		objKeys = append(objKeys, s.objectKey(keyString(v)))
	}
	for _, chunk := range Chunk(objKeys, MaxDeleteBatch) {
		if err := s.backend.DeleteBatch(ctx, chunk); err != nil {
			return err
		}
		s.metrics.Histogram(MetricBlobDeletes, float64(len(chunk)))
	}

	s.metrics.Timing(MetricRemoveDuration, time.Since(start))
	return nil
}

// RebuildIndexFromBlobs re-creates index entries from blob object metadata.
// The blob backend is the source of truth here; use it when the index was
// lost or is suspected inconsistent.
func (s *BlobStore) RebuildIndexFromBlobs(ctx context.Context) error {
	return s.backend.List(ctx, s.subDir, func(keys []string) error {
		entries := make([]Document, 0, len(keys))
		for _, objKey := range keys {
			meta, err := s.backend.Metadata(ctx, objKey)
			if err != nil {
				return WithContext(err, map[string]interface{}{
					"store": s.Name(),
					"key":   objKey,
				})
			}

			entry := make(Document, len(meta))
			for k, v := range meta {
				entry[k] = v
			}
			delete(entry, "_id")
			if _, ok := entry[s.Key()]; !ok {
				s.logger.Warn("blob metadata missing key field, skipping",
					"store", s.Name(), "key", objKey)
				continue
			}
			entries = append(entries, entry)
		}

		if len(entries) == 0 {
			return nil
		}
		if err := s.index.Update(ctx, entries); err != nil {
			return err
		}
		s.metrics.Histogram(MetricRebuildEntries, float64(len(entries)))
		return nil
	})
}

// RebuildMetadataFromIndex pushes index entries back onto the paired blob
// objects' metadata, merging over what is already there. Keys are
// lower-cased so metadata stays comparable across case-insensitive
// backends; bodies are never rewritten.
func (s *BlobStore) RebuildMetadataFromIndex(ctx context.Context, criteria Criteria) error {
	cur, err := s.index.Query(ctx, QueryOptions{Criteria: criteria})
	if err != nil {
		return err
	}
	entries, err := ReadAll(cur)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		keyVal, ok := entry[s.Key()]
		if !ok {
			continue
		}
		objKey := s.objectKey(keyString(keyVal))

		existing, err := s.backend.Metadata(ctx, objKey)
		if err != nil {
			return WithContext(err, map[string]interface{}{
				"store": s.Name(),
				"key":   objKey,
			})
		}

		merged := make(map[string]string, len(existing)+len(entry))
		for k, v := range existing {
			merged[strings.ToLower(k)] = v
		}
		for k, v := range entry {
			merged[strings.ToLower(k)] = metadataValue(v)
		}
		delete(merged, "_id")

		if err := s.backend.ReplaceMetadata(ctx, objKey, merged); err != nil {
			return WithContext(err, map[string]interface{}{
				"store": s.Name(),
				"key":   objKey,
			})
		}
	}
	return nil
}
