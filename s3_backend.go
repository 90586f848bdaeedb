package docstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config describes how to reach an S3 or S3-compatible service
type S3Config struct {
	Bucket    string
	Region    string
	Profile   string // shared-credentials profile; empty uses the default chain
	Endpoint  string // custom endpoint for S3-compatible services (MinIO etc.)
	AccessKey string // static credentials; empty uses the default chain
	SecretKey string
}

// Validate checks if the S3Config is usable
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket name is required",
		})
	}
	if c.Region == "" && c.Endpoint == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Region/Endpoint",
			"reason": "either Region or a custom Endpoint is required",
		})
	}
	return nil
}

// S3Backend implements BlobBackend on AWS S3 or any S3-compatible service
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend wraps an existing S3 client
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

// NewS3BackendFromConfig builds the S3 client from cfg and wraps it
func NewS3BackendFromConfig(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3Backend(client, cfg.Bucket), nil
}

// NewS3Client builds an S3 client honoring profile, static credentials and
// custom endpoints. Custom endpoints use path-style addressing, which MinIO
// and most S3 clones expect.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Get retrieves an object body from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(result.Body)
}

// Put stores an object body and metadata to S3
func (b *S3Backend) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	})
	return err
}

// Metadata returns an object's user metadata via HeadObject
func (b *S3Backend) Metadata(ctx context.Context, key string) (map[string]string, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result.Metadata, nil
}

// ReplaceMetadata rewrites an object's metadata without rewriting its body,
// using a self-copy with a REPLACE metadata directive.
func (b *S3Backend) ReplaceMetadata(ctx context.Context, key string, metadata map[string]string) error {
	source := b.bucket + "/" + key
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(url.PathEscape(source)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil && isS3NotFound(err) {
		return ErrNotFound
	}
	return err
}

// DeleteBatch removes up to MaxDeleteBatch objects in one DeleteObjects call
func (b *S3Backend) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > MaxDeleteBatch {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"keys":  len(keys),
			"limit": MaxDeleteBatch,
		})
	}

	objects := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	return err
}

// List streams keys under prefix to handler, one page per call
func (b *S3Backend) List(ctx context.Context, prefix string, handler func(keys []string) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(output.Contents))
		for _, obj := range output.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}

		if err := handler(keys); err != nil {
			return err
		}
	}

	return nil
}

// Ping verifies the bucket exists. A missing or inaccessible bucket is a
// precondition failure, never retried here.
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return WithContext(ErrPreconditionFailed, map[string]interface{}{
			"bucket": b.bucket,
			"reason": "bucket not present or not accessible",
			"cause":  err.Error(),
		})
	}
	return nil
}

// Close releases any resources held by the S3 backend
func (b *S3Backend) Close() error {
	// The S3 client has no explicit shutdown
	return nil
}

func isS3NotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
