package docstore

import (
	"context"
	"hash/fnv"
	"time"
)

// Document is one logical record: a field-to-value mapping. Exactly one
// field, the store's key field, uniquely identifies the document within a
// store.
type Document map[string]interface{}

// Clone returns a shallow copy of the document
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Criteria is a Mongo-style filter document. Field names may use dotted
// paths; values are either literals (equality) or operator maps such as
// {"$gt": 5} or {"$in": [...]}.
type Criteria map[string]interface{}

// SortField describes one sort key
type SortField struct {
	Field      string
	Descending bool
}

// Projection selects the fields a query returns. A nil *Projection means
// the full document is returned; a non-nil Projection restricts the result
// to the named fields. Resolved once at the call boundary rather than
// inferred from the argument's shape.
type Projection struct {
	Fields []string
}

// Project builds a Projection over the given fields
func Project(fields ...string) *Projection {
	return &Projection{Fields: fields}
}

// QueryOptions bundles the read-path parameters shared by Query and GroupBy
type QueryOptions struct {
	Criteria   Criteria
	Projection *Projection
	Sort       []SortField
	Skip       int
	Limit      int // 0 = unlimited
}

// Group is one GroupBy bucket: the grouping key values and the documents
// that share them.
type Group struct {
	Key  Document
	Docs []Document
}

// RemoveOption modifies RemoveDocs behavior. Implementations without blob
// storage ignore options they cannot honor.
type RemoveOption func(*removeOptions)

type removeOptions struct {
	withBlobs bool
}

// WithBlobs requests that the blob objects paired with matching index
// entries are deleted too (hard delete). Without it only index entries are
// removed and blobs are retained.
func WithBlobs() RemoveOption {
	return func(o *removeOptions) { o.withBlobs = true }
}

func applyRemoveOptions(opts []RemoveOption) removeOptions {
	var o removeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store is the uniform document-store contract pipeline stages program
// against. Implementations must make Connect and Close idempotent, and
// Close must succeed even when Connect was never called.
type Store interface {
	// Name identifies the data source for logging and diagnostics
	Name() string

	// Key returns the name of the field whose value uniquely identifies a
	// document within this store.
	Key() string

	// LastUpdatedField returns the field used for incremental change
	// detection.
	LastUpdatedField() string

	// Fingerprint returns a stable string derived from the store's
	// immutable configuration tuple. Two stores with equal fingerprints are
	// interchangeable identities; live connections never contribute.
	Fingerprint() string

	// Equal reports value equality of store identities
	Equal(other Store) bool

	Connect(ctx context.Context) error
	Close() error

	// Count returns the number of documents matching criteria
	Count(ctx context.Context, criteria Criteria) (int64, error)

	// Query returns a lazy cursor over matching documents
	Query(ctx context.Context, opts QueryOptions) (Cursor, error)

	// Distinct returns the distinct values of field across matching documents
	Distinct(ctx context.Context, field string, criteria Criteria) ([]interface{}, error)

	// GroupBy groups matching documents by the given key fields
	GroupBy(ctx context.Context, keys []string, opts QueryOptions) ([]Group, error)

	// EnsureIndex makes a best-effort attempt to create an index on field
	// and reports whether one exists. It must not fail merely because the
	// caller lacks the privilege to create one.
	EnsureIndex(ctx context.Context, field string, unique bool) (bool, error)

	// Update upserts docs. keys, when given, override the store's
	// configured uniqueness field(s) for this call only.
	Update(ctx context.Context, docs []Document, keys ...string) error

	// RemoveDocs deletes documents matching criteria
	RemoveDocs(ctx context.Context, criteria Criteria, opts ...RemoveOption) error

	// LastUpdated returns the maximum last-updated value across all
	// documents, or the zero time when no document carries one.
	LastUpdated(ctx context.Context) (time.Time, error)

	// NewerIn returns the keys of documents that are newer in target than
	// in this store. With exhaustive=false a cheap heuristic compares
	// against this store's LastUpdated bound; exhaustive=true compares
	// every matching document individually.
	NewerIn(ctx context.Context, target Store, criteria Criteria, exhaustive bool) ([]string, error)
}

// BlobRecovery is implemented by stores that can reconcile a queryable
// index with an authoritative blob backend.
type BlobRecovery interface {
	RebuildIndexFromBlobs(ctx context.Context) error
	RebuildMetadataFromIndex(ctx context.Context, criteria Criteria) error
}

// HashStore derives a stable value-based hash from a store's identity
// fingerprint. Safe across instances and processes, unlike anything tied to
// a live object.
func HashStore(s Store) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.Fingerprint()))
	return h.Sum64()
}

// Option configures the settings shared by all store implementations
type Option func(*storeSettings)

type storeSettings struct {
	key     string
	luField string
	logger  Logger
	metrics Metrics
}

func defaultSettings() storeSettings {
	return storeSettings{
		key:     "key",
		luField: "last_updated",
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

func (s *storeSettings) apply(opts []Option) {
	for _, opt := range opts {
		opt(s)
	}
}

// WithKeyField sets the document key field (default "key")
func WithKeyField(field string) Option {
	return func(s *storeSettings) { s.key = field }
}

// WithLastUpdatedField sets the change-detection field (default "last_updated")
func WithLastUpdatedField(field string) Option {
	return func(s *storeSettings) { s.luField = field }
}

// WithLogger sets the logger for a store
func WithLogger(l Logger) Option {
	return func(s *storeSettings) { s.logger = l }
}

// WithMetrics sets the metrics collector for a store
func WithMetrics(m Metrics) Option {
	return func(s *storeSettings) { s.metrics = m }
}

// resolveSearchKeys picks the uniqueness fields for one Update call
func resolveSearchKeys(configured string, override []string) []string {
	if len(override) > 0 {
		return override
	}
	return []string{configured}
}
