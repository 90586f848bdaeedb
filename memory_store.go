package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-process Store backed by a slice. Insertion order is
// preserved, which keeps unsorted query results deterministic. Intended for
// tests and as the index half of a BlobStore in ephemeral pipelines.
type MemStore struct {
	name     string
	settings storeSettings

	mu        sync.RWMutex
	docs      []Document
	connected bool
}

// NewMemStore creates an empty in-memory store named name
func NewMemStore(name string, opts ...Option) *MemStore {
	settings := defaultSettings()
	settings.apply(opts)
	return &MemStore{
		name:     name,
		settings: settings,
	}
}

// Name identifies the store for logging and diagnostics
func (s *MemStore) Name() string { return "mem://" + s.name }

// Key returns the document key field
func (s *MemStore) Key() string { return s.settings.key }

// LastUpdatedField returns the change-detection field
func (s *MemStore) LastUpdatedField() string { return s.settings.luField }

// Fingerprint returns the store's identity tuple as a stable string
func (s *MemStore) Fingerprint() string {
	return fmt.Sprintf("mem://%s?key=%s&lu=%s", s.name, s.settings.key, s.settings.luField)
}

// Equal reports value equality of store identities
func (s *MemStore) Equal(other Store) bool {
	o, ok := other.(*MemStore)
	return ok && s.Fingerprint() == o.Fingerprint()
}

// Connect marks the store connected. Idempotent.
func (s *MemStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close marks the store disconnected. Safe without a prior Connect.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// snapshot returns a point-in-time copy of the document list. The documents
// themselves are shared; callers must not mutate them.
func (s *MemStore) snapshot() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}

// Count returns the number of documents matching criteria
func (s *MemStore) Count(ctx context.Context, criteria Criteria) (int64, error) {
	return int64(len(filterDocs(s.snapshot(), criteria))), nil
}

// Query returns a cursor over matching documents
func (s *MemStore) Query(ctx context.Context, opts QueryOptions) (Cursor, error) {
	return newSliceCursor(applyQueryOptions(s.snapshot(), opts)), nil
}

// Distinct returns the distinct values of field across matching documents,
// in first-seen order.
func (s *MemStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]interface{}, error) {
	docs := filterDocs(s.snapshot(), criteria)

	seen := make(map[string]struct{}, len(docs))
	var values []interface{}
	for _, doc := range docs {
		v, ok := getPath(doc, field)
		if !ok {
			continue
		}
		sig := fmt.Sprintf("%T:%v", v, v)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

// GroupBy groups matching documents by the given key fields
func (s *MemStore) GroupBy(ctx context.Context, keys []string, opts QueryOptions) ([]Group, error) {
	return groupDocs(applyQueryOptions(s.snapshot(), opts), keys), nil
}

// EnsureIndex is a no-op: every in-memory query is a scan, so any field is
// trivially queryable.
func (s *MemStore) EnsureIndex(ctx context.Context, field string, unique bool) (bool, error) {
	return true, nil
}

// Update upserts docs, matching existing documents on the value tuple of
// the search keys. New documents get an internal _id.
func (s *MemStore) Update(ctx context.Context, docs []Document, keys ...string) error {
	searchKeys := resolveSearchKeys(s.settings.key, keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		for _, k := range searchKeys {
			if _, ok := getPath(doc, k); !ok {
				return WithContext(ErrInvalidData, map[string]interface{}{
					"store":   s.Name(),
					"missing": k,
				})
			}
		}

		stored := doc.Clone()
		idx := s.findLocked(stored, searchKeys)
		if idx < 0 {
			if _, ok := stored["_id"]; !ok {
				stored["_id"] = NewID()
			}
			s.docs = append(s.docs, stored)
			continue
		}
		if id, ok := s.docs[idx]["_id"]; ok {
			stored["_id"] = id
		}
		s.docs[idx] = stored
	}
	return nil
}

func (s *MemStore) findLocked(doc Document, searchKeys []string) int {
	for i, existing := range s.docs {
		match := true
		for _, k := range searchKeys {
			ev, eok := getPath(existing, k)
			dv, dok := getPath(doc, k)
			if !eok || !dok || !valuesEqual(ev, dv) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// RemoveDocs deletes documents matching criteria
func (s *MemStore) RemoveDocs(ctx context.Context, criteria Criteria, opts ...RemoveOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.docs[:0]
	for _, doc := range s.docs {
		if !Matches(doc, criteria) {
			kept = append(kept, doc)
		}
	}
	s.docs = kept
	return nil
}

// LastUpdated returns the maximum last-updated value across all documents
func (s *MemStore) LastUpdated(ctx context.Context) (time.Time, error) {
	var max time.Time
	for _, doc := range s.snapshot() {
		if lu, ok := lastUpdatedOf(doc, s.settings.luField); ok && lu.After(max) {
			max = lu
		}
	}
	return max, nil
}

// NewerIn returns the keys of documents newer in target than in this store
func (s *MemStore) NewerIn(ctx context.Context, target Store, criteria Criteria, exhaustive bool) ([]string, error) {
	return newerKeysInTarget(ctx, s, target, criteria, exhaustive)
}
