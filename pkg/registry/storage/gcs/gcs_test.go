package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
	"google.golang.org/api/googleapi"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"object missing", storage.ErrObjectNotExist, registry.ErrBlobNotFound},
		{"wrapped object missing", fmt.Errorf("read: %w", storage.ErrObjectNotExist), registry.ErrBlobNotFound},
		{"precondition failed", &googleapi.Error{Code: http.StatusPreconditionFailed}, registry.ErrBlobExists},
		{"not found status", &googleapi.Error{Code: http.StatusNotFound}, registry.ErrBlobNotFound},
		{"server error", &googleapi.Error{Code: http.StatusServiceUnavailable}, registry.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		base := errors.New("boom")
		err := mapError("op", base)
		assert.ErrorIs(t, err, base)
		assert.Equal(t, registry.KindInternal, registry.Kind(err))
	})
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name is required")
}

// TestGCSBackend_Integration runs against a real bucket or the fake-gcs-server emulator
func TestGCSBackend_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	bucket := os.Getenv("GCS_TEST_BUCKET")
	if bucket == "" {
		t.Skip("Skipping integration test: GCS_TEST_BUCKET not set")
	}

	ctx := context.Background()
	backend, err := New(ctx, Config{
		Bucket:          bucket,
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Endpoint:        os.Getenv("GCS_TEST_ENDPOINT"),
	})
	require.NoError(t, err)
	defer backend.Close()

	key := fmt.Sprintf("it/v%d/app.tar", time.Now().UnixNano())
	data := []byte("hello gcs")
	params := registry.UploadParams{ObjectKey: key, MimeType: "application/x-tar", CreateOnly: true}

	require.NoError(t, backend.UploadWithParams(ctx, bytes.NewReader(data), params))
	assert.ErrorIs(t, backend.UploadWithParams(ctx, bytes.NewReader(data), params), registry.ErrBlobExists)

	meta, err := backend.GetObjectMeta(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)

	rc, err := backend.Download(ctx, key)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, data, got)

	require.NoError(t, backend.Delete(ctx, key))
	assert.ErrorIs(t, backend.Delete(ctx, key), registry.ErrBlobNotFound)
}
