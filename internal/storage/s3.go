package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// MAIN parts above multipartThreshold, and bodies of unknown size, go
// through the uploader.
const (
	multipartThreshold   = 100 * 1024 * 1024
	multipartPartSize    = 16 * 1024 * 1024
	multipartConcurrency = 5

	defaultS3Region = "us-east-1"
)

// S3Config holds S3 backend configuration
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // MinIO or another S3 compatible endpoint, e.g. "localhost:9000"
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool // required for MinIO
}

// withEnvCredentials fills missing static credentials from the standard
// AWS environment variables.
func (c S3Config) withEnvCredentials() S3Config {
	if c.AccessKey == "" {
		c.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.SecretKey == "" {
		c.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	return c
}

func (c S3Config) validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket name is required")
	}
	if strings.Contains(c.Bucket, "/") {
		return fmt.Errorf("S3 bucket name %q must not contain '/', use the prefix for key paths", c.Bucket)
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("S3 access key and secret key must be set together")
	}
	return nil
}

func (c S3Config) region() string {
	if c.Region == "" {
		return defaultS3Region
	}
	return c.Region
}

// endpointURL returns the custom endpoint with a scheme, or "" for AWS.
func (c S3Config) endpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	if c.UseSSL {
		return "https://" + c.Endpoint
	}
	return "http://" + c.Endpoint
}

// S3Backend writes stores to an S3 (or MinIO) bucket.
type S3Backend struct {
	keyspace
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   zerolog.Logger
}

// NewS3Backend creates a new S3/MinIO backend. An unreachable bucket is
// logged, not fatal; the first write reports the real error.
func NewS3Backend(ctx context.Context, cfg *S3Config, logger zerolog.Logger) (*S3Backend, error) {
	c := cfg.withEnvCredentials()
	if err := c.validate(); err != nil {
		return nil, err
	}
	log := logger.With().Str("component", "s3-storage").Logger()

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(c.region())}
	if c.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := c.endpointURL()
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})

	b := &S3Backend{
		keyspace: newKeyspace(c.Prefix),
		client:   client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = multipartPartSize
			u.Concurrency = multipartConcurrency
		}),
		bucket: c.Bucket,
		logger: log,
	}

	ev := log.Info().
		Str("bucket", c.Bucket).
		Str("prefix", b.prefix).
		Str("region", c.region()).
		Bool("static_credentials", c.AccessKey != "")
	if endpoint != "" {
		ev = ev.Str("endpoint", endpoint)
	}
	headCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)}); err != nil {
		log.Warn().Err(err).Str("bucket", c.Bucket).Msg("Could not verify bucket exists")
	} else {
		ev.Msg("Connected to S3 bucket")
	}
	return b, nil
}

func (b *S3Backend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader uploads reader to the key of path.
func (b *S3Backend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	key := b.key(path)
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(contentType(path)),
	}

	multipart := size <= 0 || size >= multipartThreshold
	var err error
	if multipart {
		_, err = b.uploader.Upload(ctx, in)
	} else {
		in.ContentLength = aws.Int64(size)
		_, err = b.client.PutObject(ctx, in)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Int64("size", size).Bool("multipart", multipart).Msg("S3 upload failed")
		return fmt.Errorf("failed to write s3://%s/%s: %w", b.bucket, key, err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Bool("multipart", multipart).
		Dur("duration", time.Since(start)).
		Msg("Wrote object")
	return nil
}

func (b *S3Backend) Read(ctx context.Context, path string) ([]byte, error) {
	key := b.key(path)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// List lists keys under prefix, relative to the backend prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, b.key(prefix), err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, b.relative(*obj.Key))
			}
		}
	}
	return keys, nil
}

func (b *S3Backend) Delete(ctx context.Context, path string) error {
	key := b.key(path)
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	key := b.key(path)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	switch {
	case err == nil:
		return true, nil
	case isS3NotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat s3://%s/%s: %w", b.bucket, key, err)
	}
}

// HeadObject reports a missing key as a bare 404 without a typed error.
func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "StatusCode: 404")
}

func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) Type() string { return "s3" }

// URI returns the s3:// URI of path.
func (b *S3Backend) URI(path string) string {
	return "s3://" + b.bucket + "/" + b.key(path)
}
