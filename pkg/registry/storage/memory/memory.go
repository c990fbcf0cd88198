package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/tendant/simple-registry/pkg/registry"
)

const defaultMimeType = "application/octet-stream"

type object struct {
	data      []byte
	mimeType  string
	updatedAt time.Time
}

// Backend is an in-memory implementation of the registry.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]*object
	now     func() time.Time
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]*object),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source for stored objects
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Keys returns the stored object keys
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	return keys
}

// GetObjectMeta retrieves metadata for an object in memory
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*registry.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, registry.ErrBlobNotFound
	}

	return &registry.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
		Metadata:    map[string]string{"mime_type": obj.mimeType},
	}, nil
}

// Upload uploads content directly
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, registry.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams uploads content with parameters
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params registry.UploadParams) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.objects[params.ObjectKey]
	if exists && params.CreateOnly {
		return registry.ErrBlobExists
	}

	mimeType := params.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
		if exists {
			mimeType = existing.mimeType
		}
	}

	b.objects[params.ObjectKey] = &object{
		data:      data,
		mimeType:  mimeType,
		updatedAt: b.now().UTC(),
	}
	return nil
}

// Download downloads content directly
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, registry.ErrBlobNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[objectKey]; !exists {
		return registry.ErrBlobNotFound
	}

	delete(b.objects, objectKey)
	return nil
}
