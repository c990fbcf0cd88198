package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Config describes the bucket holding artifacts. Blob paths are stored
// under Prefix, so "demo/v1/app.tar" lands at "<Prefix>/demo/v1/app.tar".
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string // static credentials; the default chain is used when empty
	SecretAccessKey string
	Endpoint        string // MinIO or another S3-compatible endpoint
	UsePathStyle    bool

	EnableSSE    bool
	SSEAlgorithm string // AES256 or aws:kms
	SSEKMSKeyID  string

	CreateBucketIfNotExist bool
}

// Backend is an S3-compatible implementation of the registry.BlobStore interface
type Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	config   Config
}

// New connects to the artifact bucket
func New(config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	backend := &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   config.Bucket,
		config:   config,
	}

	if config.CreateBucketIfNotExist {
		if err := backend.ensureBucket(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return backend, nil
}

func (b *Backend) key(objectKey string) string {
	if b.config.Prefix == "" {
		return objectKey
	}
	return strings.TrimSuffix(b.config.Prefix, "/") + "/" + objectKey
}

// ensureBucket creates the artifact bucket on first start
func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	// MinIO reports missing buckets in several ways
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "BadRequest") &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket %s: %w", b.bucket, err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	}
	if b.config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}

	_, err = b.client.CreateBucket(ctx, createInput)
	if err != nil {
		if strings.Contains(err.Error(), "BucketAlreadyExists") ||
			strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}

func (b *Backend) applySSE(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
}

// GetObjectMeta returns size and modification time of a blob path. The
// registrar uses UpdatedAt to tell orphans from in-flight writes.
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*registry.ObjectMeta, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		return nil, mapError("get object metadata", err)
	}

	contentType := "application/octet-stream"
	if result.ContentType != nil {
		contentType = *result.ContentType
	}

	metadata := make(map[string]string, len(result.Metadata)+1)
	maps.Copy(metadata, result.Metadata)
	metadata["content_type"] = contentType

	meta := &registry.ObjectMeta{
		Key:         objectKey,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: contentType,
		ETag:        strings.Trim(aws.ToString(result.ETag), "\""),
		Metadata:    metadata,
	}
	if result.LastModified != nil {
		meta.UpdatedAt = *result.LastModified
	}

	return meta, nil
}

// Upload overwrites the blob at objectKey
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, registry.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams uploads content with additional parameters. Create-only
// uploads use a single conditional PutObject (If-None-Match: *).
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params registry.UploadParams) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(params.ObjectKey)),
		Body:   reader,
	}
	if params.MimeType != "" {
		input.ContentType = aws.String(params.MimeType)
	}
	b.applySSE(input)

	if params.CreateOnly {
		input.IfNoneMatch = aws.String("*")
		if _, err := b.client.PutObject(ctx, input); err != nil {
			return mapError("upload to S3", err)
		}
		return nil
	}

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return mapError("upload to S3", err)
	}
	return nil
}

// Download opens the artifact stored at objectKey
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		return nil, mapError("download from S3", err)
	}

	return result.Body, nil
}

// Delete deletes content from S3. Deleting a missing key succeeds.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectKey)),
	})
	if err != nil {
		return mapError("delete from S3", err)
	}

	return nil
}

// mapError translates S3 failures into registry sentinel errors.
func mapError(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return registry.ErrBlobNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return registry.ErrBlobExists
		case "NoSuchKey", "NotFound":
			return registry.ErrBlobNotFound
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusPreconditionFailed:
			return registry.ErrBlobExists
		case status == http.StatusNotFound:
			return registry.ErrBlobNotFound
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("%w: failed to %s: %w", registry.ErrStoreUnavailable, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s: %w", registry.ErrStoreUnavailable, op, err)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}
