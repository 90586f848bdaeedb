package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process BlobBackend for tests and ephemeral
// pipelines. It mirrors the remote backends' contract, including the
// bulk-delete batch limit.
type MemoryBackend struct {
	mu       sync.RWMutex
	objects  map[string]memoryObject
	deletes  []int // batch sizes, in call order
	failPuts bool
}

type memoryObject struct {
	body     []byte
	metadata map[string]string
}

// NewMemoryBackend creates an empty in-memory blob backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memoryObject),
	}
}

// Get retrieves an object body
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.body))
	copy(out, obj.body)
	return out, nil
}

// Put stores an object body and metadata
func (b *MemoryBackend) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPuts {
		return ErrBackendUnavailable
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	b.objects[key] = memoryObject{body: stored, metadata: meta}
	return nil
}

// Metadata returns an object's metadata
func (b *MemoryBackend) Metadata(ctx context.Context, key string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		out[k] = v
	}
	return out, nil
}

// ReplaceMetadata rewrites an object's metadata in place
func (b *MemoryBackend) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[key]
	if !ok {
		return ErrNotFound
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	obj.metadata = meta
	b.objects[key] = obj
	return nil
}

// DeleteBatch removes up to MaxDeleteBatch objects. Missing keys are
// ignored, matching the remote backends.
func (b *MemoryBackend) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > MaxDeleteBatch {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"keys":  len(keys),
			"limit": MaxDeleteBatch,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.deletes = append(b.deletes, len(keys))
	for _, key := range keys {
		delete(b.objects, key)
	}
	return nil
}

// List streams keys under prefix to handler in one sorted page
func (b *MemoryBackend) List(ctx context.Context, prefix string, handler func(keys []string) error) error {
	b.mu.RLock()
	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	b.mu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return handler(keys)
}

// Ping always succeeds
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing
func (b *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of stored objects
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// DeleteBatchSizes returns the size of every DeleteBatch call so far
func (b *MemoryBackend) DeleteBatchSizes() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int, len(b.deletes))
	copy(out, b.deletes)
	return out
}

// FailPuts makes every subsequent Put return ErrBackendUnavailable
func (b *MemoryBackend) FailPuts(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPuts = fail
}
