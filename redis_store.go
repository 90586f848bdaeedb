package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one collection as a Redis hash: field = document key,
// value = the JSON-encoded document. Criteria are evaluated client side, so
// this store suits modest working sets (pipeline state, index metadata for
// a BlobStore), not analytical scans.
type RedisStore struct {
	client     *redis.Client
	collection string
	settings   storeSettings
	ownsClient bool
}

// NewRedisStore wraps an existing Redis client
func NewRedisStore(client *redis.Client, collection string, opts ...Option) *RedisStore {
	settings := defaultSettings()
	settings.apply(opts)
	return &RedisStore{
		client:     client,
		collection: collection,
		settings:   settings,
	}
}

// NewRedisStoreFromAddr dials addr and wraps the resulting client. The
// store owns the client and closes it.
func NewRedisStoreFromAddr(addr, collection string, opts ...Option) *RedisStore {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), collection, opts...)
	s.ownsClient = true
	return s
}

// hashKey is the Redis key holding this collection
func (s *RedisStore) hashKey() string {
	return "docstore:" + s.collection
}

// Name identifies the store for logging and diagnostics
func (s *RedisStore) Name() string {
	return fmt.Sprintf("redis://%s/%s", s.client.Options().Addr, s.collection)
}

// Key returns the document key field
func (s *RedisStore) Key() string { return s.settings.key }

// LastUpdatedField returns the change-detection field
func (s *RedisStore) LastUpdatedField() string { return s.settings.luField }

// Fingerprint returns the store's identity tuple as a stable string
func (s *RedisStore) Fingerprint() string {
	return fmt.Sprintf("redis://%s/%s?key=%s&lu=%s",
		s.client.Options().Addr, s.collection, s.settings.key, s.settings.luField)
}

// Equal reports value equality of store identities
func (s *RedisStore) Equal(other Store) bool {
	o, ok := other.(*RedisStore)
	return ok && s.Fingerprint() == o.Fingerprint()
}

// Connect verifies the Redis server is reachable
func (s *RedisStore) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	return nil
}

// Close releases the Redis client when this store created it
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// loadAll fetches and decodes the whole collection in deterministic
// (key-sorted) order.
func (s *RedisStore) loadAll(ctx context.Context) ([]Document, error) {
	raw, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}

	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	docs := make([]Document, 0, len(fields))
	for _, f := range fields {
		var doc Document
		if err := json.Unmarshal([]byte(raw[f]), &doc); err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"store": s.Name(),
				"field": f,
				"cause": err.Error(),
			})
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Count returns the number of documents matching criteria
func (s *RedisStore) Count(ctx context.Context, criteria Criteria) (int64, error) {
	if len(criteria) == 0 {
		n, err := s.client.HLen(ctx, s.hashKey()).Result()
		if err != nil {
			return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
				"store": s.Name(),
				"cause": err.Error(),
			})
		}
		return n, nil
	}

	docs, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(filterDocs(docs, criteria))), nil
}

// Query returns a cursor over matching documents
func (s *RedisStore) Query(ctx context.Context, opts QueryOptions) (Cursor, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return newSliceCursor(applyQueryOptions(docs, opts)), nil
}

// Distinct returns the distinct values of field across matching documents
func (s *RedisStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]interface{}, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	docs = filterDocs(docs, criteria)

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
func (s *RedisStore) GroupBy(ctx context.Context, keys []string, opts QueryOptions) ([]Group, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return groupDocs(applyQueryOptions(docs, opts), keys), nil
}

// EnsureIndex reports that no secondary index exists. Redis hashes offer no
// field indexing; reads are full scans regardless.
func (s *RedisStore) EnsureIndex(ctx context.Context, field string, unique bool) (bool, error) {
	return false, nil
}

// Update upserts docs keyed by the search-key tuple. With the default
// single key the document lands directly at its hash field; composite keys
// fall back to a read-modify-write against the decoded collection.
func (s *RedisStore) Update(ctx context.Context, docs []Document, keys ...string) error {
	if len(docs) == 0 {
		return nil
	}
	searchKeys := resolveSearchKeys(s.settings.key, keys)

	var existing []Document
	if len(searchKeys) > 1 {
		var err error
		existing, err = s.loadAll(ctx)
		if err != nil {
			return err
		}
	}

	pairs := make([]interface{}, 0, len(docs)*2)
	for _, doc := range docs {
		for _, k := range searchKeys {
			if _, ok := getPath(doc, k); !ok {
				return WithContext(ErrInvalidData, map[string]interface{}{
					"store":   s.Name(),
					"missing": k,
				})
			}
		}

		field := s.hashField(doc, searchKeys, existing)
		data, err := json.Marshal(doc)
		if err != nil {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"store": s.Name(),
				"cause": err.Error(),
			})
		}
		pairs = append(pairs, field, string(data))
	}

	if err := s.client.HSet(ctx, s.hashKey(), pairs...).Err(); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	return nil
}

// hashField chooses the hash field for doc. Single-key updates use the key
// value itself; composite updates reuse the field of a tuple-matching
// existing document so an upsert replaces rather than duplicates.
func (s *RedisStore) hashField(doc Document, searchKeys []string, existing []Document) string {
	if len(searchKeys) == 1 {
		v, _ := getPath(doc, searchKeys[0])
		return keyString(v)
	}

	for _, ex := range existing {
		match := true
		for _, k := range searchKeys {
			ev, eok := getPath(ex, k)
			dv, dok := getPath(doc, k)
			if !eok || !dok || !valuesEqual(ev, dv) {
				match = false
				break
			}
		}
		if match {
			v, _ := getPath(ex, s.settings.key)
			return keyString(v)
		}
	}

	parts := make([]string, 0, len(searchKeys))
	for _, k := range searchKeys {
		v, _ := getPath(doc, k)
		parts = append(parts, keyString(v))
	}
	return joinTuple(parts)
}

func joinTuple(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// RemoveDocs deletes documents matching criteria
func (s *RedisStore) RemoveDocs(ctx context.Context, criteria Criteria, opts ...RemoveOption) error {
	raw, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}

	var fields []string
	for f, data := range raw {
		var doc Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			continue
		}
		if Matches(doc, criteria) {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.client.HDel(ctx, s.hashKey(), fields...).Err(); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": s.Name(),
			"cause": err.Error(),
		})
	}
	return nil
}

// LastUpdated returns the maximum last-updated value across all documents
func (s *RedisStore) LastUpdated(ctx context.Context) (time.Time, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return time.Time{}, err
	}

	var max time.Time
	for _, doc := range docs {
		if lu, ok := lastUpdatedOf(doc, s.settings.luField); ok && lu.After(max) {
			max = lu
		}
	}
	return max, nil
}

// NewerIn returns the keys of documents newer in target than in this store
func (s *RedisStore) NewerIn(ctx context.Context, target Store, criteria Criteria, exhaustive bool) ([]string, error) {
	return newerKeysInTarget(ctx, s, target, criteria, exhaustive)
}
