// Package gcs implements registry.BlobStore on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/tendant/simple-registry/pkg/registry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config options for the GCS backend
type Config struct {
	Bucket          string // GCS bucket name
	Prefix          string // Optional key prefix inside the bucket
	CredentialsFile string // Service account JSON; empty uses application default credentials
	Endpoint        string // Optional endpoint, e.g. a local emulator
}

// Backend is a Google Cloud Storage implementation of the registry.BlobStore interface
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// New creates a new GCS storage backend
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &Backend{
		client: client,
		bucket: client.Bucket(config.Bucket),
		prefix: strings.TrimSuffix(config.Prefix, "/"),
	}, nil
}

// Close releases the underlying client
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) object(objectKey string) *storage.ObjectHandle {
	if b.prefix == "" {
		return b.bucket.Object(objectKey)
	}
	return b.bucket.Object(b.prefix + "/" + objectKey)
}

// GetObjectMeta retrieves metadata for an object in GCS
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*registry.ObjectMeta, error) {
	attrs, err := b.object(objectKey).Attrs(ctx)
	if err != nil {
		return nil, mapError("get object attributes", err)
	}

	contentType := attrs.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	metadata := make(map[string]string, len(attrs.Metadata)+1)
	maps.Copy(metadata, attrs.Metadata)
	metadata["content_type"] = contentType

	return &registry.ObjectMeta{
		Key:         objectKey,
		Size:        attrs.Size,
		ContentType: contentType,
		UpdatedAt:   attrs.Updated,
		ETag:        attrs.Etag,
		Metadata:    metadata,
	}, nil
}

// Upload uploads content directly to GCS
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, registry.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams uploads content with additional parameters. Create-only
// uploads carry a DoesNotExist precondition.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params registry.UploadParams) error {
	obj := b.object(params.ObjectKey)
	if params.CreateOnly {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	// Cancelling the writer context aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(wctx)
	if params.MimeType != "" {
		w.ContentType = params.MimeType
	}
	if _, err := io.Copy(w, reader); err != nil {
		cancel()
		_ = w.Close()
		return mapError("upload to GCS", err)
	}
	if err := w.Close(); err != nil {
		return mapError("upload to GCS", err)
	}
	return nil
}

// Download downloads content directly from GCS
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	r, err := b.object(objectKey).NewReader(ctx)
	if err != nil {
		return nil, mapError("download from GCS", err)
	}
	return r, nil
}

// Delete deletes content from GCS
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	if err := b.object(objectKey).Delete(ctx); err != nil {
		return mapError("delete from GCS", err)
	}
	return nil
}

// mapError translates GCS failures into registry sentinel errors.
func mapError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return registry.ErrBlobNotFound
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return registry.ErrBlobExists
		case apiErr.Code == http.StatusNotFound:
			return registry.ErrBlobNotFound
		case apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: failed to %s: %w", registry.ErrStoreUnavailable, op, err)
		}
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}
