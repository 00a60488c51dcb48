// Package s3 provides cold archive storage for verdicts and remediation
// cases. Rows age out of the ClickHouse store after the retention window;
// the archiver packs them into compressed batches and uploads them to an
// S3 bucket where they remain restorable for audits and appeals.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region.
	Region string `yaml:"region" json:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix is prepended to all object keys.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Endpoint overrides the S3 endpoint (for MinIO or other
	// S3-compatible stores).
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// AccessKeyID for static credentials. Leave empty to use the
	// default AWS credential chain.
	AccessKeyID string `yaml:"access_key_id" json:"access_key_id"`

	// SecretAccessKey for static credentials.
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`

	// SessionToken for temporary credentials.
	SessionToken string `yaml:"session_token" json:"session_token"`

	// StorageClass for uploaded objects.
	StorageClass string `yaml:"storage_class" json:"storage_class"`

	// SSE enables server-side encryption ("AES256" or "aws:kms").
	SSE string `yaml:"sse" json:"sse"`

	// KMSKeyID is the KMS key for aws:kms encryption.
	KMSKeyID string `yaml:"kms_key_id" json:"kms_key_id"`

	// UsePathStyle forces path-style addressing (required by MinIO).
	UsePathStyle bool `yaml:"use_path_style" json:"use_path_style"`

	// RetryMaxAttempts is the maximum number of SDK retry attempts.
	RetryMaxAttempts int `yaml:"retry_max_attempts" json:"retry_max_attempts"`

	// Timeout bounds individual S3 operations.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "scamwarden-archive",
		Prefix:           "",
		StorageClass:     "STANDARD_IA",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Region == "" && c.Endpoint == "" {
		return fmt.Errorf("region or endpoint is required")
	}
	if c.AccessKeyID != "" && c.SecretAccessKey == "" {
		return fmt.Errorf("secret_access_key is required when access_key_id is set")
	}
	return nil
}

// GetStorageClass maps the configured storage class name to the SDK type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandardIa
	}
}

// clientMetrics tracks S3 operation counts.
type clientMetrics struct {
	uploads         uint64
	downloads       uint64
	deletes         uint64
	errors          uint64
	bytesUploaded   uint64
	bytesDownloaded uint64
}

// Client wraps the AWS S3 client with archive-specific operations.
type Client struct {
	s3      *s3.Client
	config  *Config
	logger  *slog.Logger
	metrics clientMetrics
}

// NewClient creates an S3 client from the configuration.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.RetryMaxAttempts),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	client := &Client{
		s3:     s3.NewFromConfig(awsCfg, s3Opts),
		config: cfg,
		logger: logger,
	}

	logger.Info("s3 archive client created",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)

	return client, nil
}

// UploadInput describes an object to upload.
type UploadInput struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	StorageClass string
}

// UploadOutput is the result of an upload.
type UploadOutput struct {
	Key      string
	Location string
	Size     int64
	ETag     string
}

// Upload stores an object in the bucket.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	if input == nil || input.Key == "" {
		return nil, fmt.Errorf("upload input with key is required")
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	key := c.config.Prefix + input.Key

	storageClass := c.config.GetStorageClass()
	if input.StorageClass != "" {
		override := Config{StorageClass: input.StorageClass}
		storageClass = override.GetStorageClass()
	}

	put := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(input.Data),
		StorageClass: storageClass,
	}
	if input.ContentType != "" {
		put.ContentType = aws.String(input.ContentType)
	}
	if len(input.Metadata) > 0 {
		put.Metadata = input.Metadata
	}

	switch c.config.SSE {
	case "AES256":
		put.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		put.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			put.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	result, err := c.s3.PutObject(ctx, put)
	if err != nil {
		atomic.AddUint64(&c.metrics.errors, 1)
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}

	atomic.AddUint64(&c.metrics.uploads, 1)
	atomic.AddUint64(&c.metrics.bytesUploaded, uint64(len(input.Data)))

	output := &UploadOutput{
		Key:      key,
		Location: fmt.Sprintf("s3://%s/%s", c.config.Bucket, key),
		Size:     int64(len(input.Data)),
	}
	if result.ETag != nil {
		output.ETag = *result.ETag
	}

	c.logger.Debug("uploaded archive object", "key", key, "size", output.Size)
	return output, nil
}

// Download retrieves an object from the bucket.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	fullKey := c.config.Prefix + key

	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		atomic.AddUint64(&c.metrics.errors, 1)
		return nil, fmt.Errorf("get object %s: %w", fullKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		atomic.AddUint64(&c.metrics.errors, 1)
		return nil, fmt.Errorf("read object %s: %w", fullKey, err)
	}

	atomic.AddUint64(&c.metrics.downloads, 1)
	atomic.AddUint64(&c.metrics.bytesDownloaded, uint64(len(data)))

	return data, nil
}

// Delete removes an object from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	fullKey := c.config.Prefix + key

	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		atomic.AddUint64(&c.metrics.errors, 1)
		return fmt.Errorf("delete object %s: %w", fullKey, err)
	}

	atomic.AddUint64(&c.metrics.deletes, 1)
	return nil
}

// DeleteBatch removes up to 1000 objects per request.
func (c *Client) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{
				Key: aws.String(c.config.Prefix + key),
			})
		}

		_, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.config.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			atomic.AddUint64(&c.metrics.errors, 1)
			return fmt.Errorf("delete batch: %w", err)
		}

		atomic.AddUint64(&c.metrics.deletes, uint64(len(objects)))
	}

	return nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	StorageClass string
}

// List returns objects under the given prefix, up to maxKeys.
// A maxKeys of 0 means no limit.
func (c *Client) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	fullPrefix := c.config.Prefix + prefix

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			atomic.AddUint64(&c.metrics.errors, 1)
			return nil, fmt.Errorf("list objects %s: %w", fullPrefix, err)
		}

		for _, obj := range page.Contents {
			info := ObjectInfo{
				StorageClass: string(obj.StorageClass),
			}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)

			if maxKeys > 0 && len(objects) >= maxKeys {
				return objects, nil
			}
		}
	}

	return objects, nil
}

// Exists reports whether an object exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	fullKey := c.config.Prefix + key

	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		atomic.AddUint64(&c.metrics.errors, 1)
		return false, fmt.Errorf("head object %s: %w", fullKey, err)
	}

	return true, nil
}

// HealthStatus is the result of a health check.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Bucket  string        `json:"bucket"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	latency := time.Since(start)

	status := &HealthStatus{
		Bucket:  c.config.Bucket,
		Latency: latency,
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Healthy = true
	return status
}

// ClientMetrics is a snapshot of operation counters.
type ClientMetrics struct {
	Uploads         uint64 `json:"uploads"`
	Downloads       uint64 `json:"downloads"`
	Deletes         uint64 `json:"deletes"`
	Errors          uint64 `json:"errors"`
	BytesUploaded   uint64 `json:"bytes_uploaded"`
	BytesDownloaded uint64 `json:"bytes_downloaded"`
}

// Metrics returns a snapshot of the client counters.
func (c *Client) Metrics() ClientMetrics {
	return ClientMetrics{
		Uploads:         atomic.LoadUint64(&c.metrics.uploads),
		Downloads:       atomic.LoadUint64(&c.metrics.downloads),
		Deletes:         atomic.LoadUint64(&c.metrics.deletes),
		Errors:          atomic.LoadUint64(&c.metrics.errors),
		BytesUploaded:   atomic.LoadUint64(&c.metrics.bytesUploaded),
		BytesDownloaded: atomic.LoadUint64(&c.metrics.bytesDownloaded),
	}
}

// GetBucket returns the configured bucket name.
func (c *Client) GetBucket() string {
	return c.config.Bucket
}

// GetPrefix returns the configured key prefix.
func (c *Client) GetPrefix() string {
	return c.config.Prefix
}

// opContext applies the configured operation timeout.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.Timeout > 0 {
		return context.WithTimeout(ctx, c.config.Timeout)
	}
	return context.WithCancel(ctx)
}
