package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig describes how to reach a Google Cloud Storage bucket
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // service account JSON; empty uses ADC
}

// Validate checks if the GCSConfig is usable
func (c GCSConfig) Validate() error {
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket name is required",
		})
	}
	return nil
}

// GCSBackend implements BlobBackend on Google Cloud Storage
type GCSBackend struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	bucketName string
	ownsClient bool
}

// NewGCSBackend wraps an existing GCS client
func NewGCSBackend(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{
		client:     client,
		bucket:     client.Bucket(bucket),
		bucketName: bucket,
	}
}

// NewGCSBackendFromConfig builds the GCS client from cfg and wraps it. The
// backend owns the client and closes it.
func NewGCSBackendFromConfig(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	b := NewGCSBackend(client, cfg.Bucket)
	b.ownsClient = true
	return b, nil
}

// Get retrieves an object body from GCS
func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(reader)
}

// Put stores an object body and metadata to GCS
func (b *GCSBackend) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.Metadata = metadata

	if _, err := w.Write(body); err != nil {
		_ = w.Close() //nolint:errcheck // Best effort on the error path
		return err
	}
	return w.Close()
}

// Metadata returns an object's user metadata
func (b *GCSBackend) Metadata(ctx context.Context, key string) (map[string]string, error) {
	attrs, err := b.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return attrs.Metadata, nil
}

// ReplaceMetadata rewrites an object's metadata in place
func (b *GCSBackend) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	_, err := b.bucket.Object(key).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: metadata,
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

// DeleteBatch removes up to MaxDeleteBatch objects. GCS has no bulk-delete
// API, so deletes are issued one object at a time.
func (b *GCSBackend) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > MaxDeleteBatch {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"keys":  len(keys),
			"limit": MaxDeleteBatch,
		})
	}
	for _, key := range keys {
		if err := b.bucket.Object(key).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// List streams keys under prefix to handler in pages
func (b *GCSBackend) List(ctx context.Context, prefix string, handler func(keys []string) error) error {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})

	const pageSize = 1000
	keys := make([]string, 0, pageSize)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return err
		}
		keys = append(keys, attrs.Name)
		if len(keys) == pageSize {
			if err := handler(keys); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		return handler(keys)
	}
	return nil
}

// Ping verifies the bucket exists and is reachable
func (b *GCSBackend) Ping(ctx context.Context) error {
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return WithContext(ErrPreconditionFailed, map[string]interface{}{
			"bucket": b.bucketName,
			"reason": "bucket not present or not accessible",
			"cause":  err.Error(),
		})
	}
	return nil
}

// Close releases the GCS client when this backend created it
func (b *GCSBackend) Close() error {
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
