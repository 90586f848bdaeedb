package docstore

import "context"

// MaxDeleteBatch is the largest key count accepted by a single bulk-delete
// call, matching the S3 DeleteObjects limit. Callers chunk accordingly.
const MaxDeleteBatch = 1000

// BlobBackend is the capability a BlobStore needs from remote object
// storage. The client is injected at construction; a store without one
// fails fast instead of discovering the gap at first use.
type BlobBackend interface {
	// Get retrieves the body of the object at key. Returns ErrNotFound
	// when no such object exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores body and string-valued metadata at key, replacing any
	// existing object.
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error

	// Metadata returns the object's metadata without its body
	Metadata(ctx context.Context, key string) (map[string]string, error)

	// ReplaceMetadata rewrites the object's metadata in place, leaving the
	// body untouched.
	ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error

	// DeleteBatch removes up to MaxDeleteBatch objects in one call
	DeleteBatch(ctx context.Context, keys []string) error

	// List streams the keys under prefix to handler in pages
	List(ctx context.Context, prefix string, handler func(keys []string) error) error

	// Ping verifies the bucket exists and is reachable
	Ping(ctx context.Context) error

	Close() error
}
