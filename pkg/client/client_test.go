package client_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/client"
	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/api"
	"github.com/tendant/simple-registry/pkg/registry/auth"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
)

const testSecret = "client-test-secret"

func newRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, err := registry.New(
		registry.WithRepository(memory.New()),
		registry.WithBlobStore("memory", memorystorage.New()),
	)
	require.NoError(t, err)

	router := api.NewRouter(api.RouterConfig{
		Handler:  api.NewHandler(svc),
		Resolver: auth.NewJWTResolver([]byte(testSecret)),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL, principal string, opts ...client.Option) *client.Client {
	t.Helper()
	if principal != "" {
		token, err := auth.NewJWTResolver([]byte(testSecret)).IssueToken(principal, time.Hour)
		require.NoError(t, err)
		opts = append(opts, client.WithToken(token))
	}
	c, err := client.New(baseURL, opts...)
	require.NoError(t, err)
	return c
}

func fastRetry() client.Option {
	return client.WithRetryPolicy(backoff.Constant(
		backoff.WithInterval(time.Millisecond),
		backoff.WithMaxRetries(5),
	))
}

func TestClient_RoundTrip(t *testing.T) {
	srv := newRegistryServer(t)
	c := newClient(t, srv.URL, "alice@example.com")
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.OwnerID)

	artifact := bytes.Repeat([]byte("tar"), 50)
	for i := 1; i <= 2; i++ {
		up, err := c.Upload(ctx, p.ID, client.UploadRequest{
			FileName: "app.tar",
			Artifact: artifact,
			Language: "python",
			EnvVars:  map[string]string{"PORT": "8080"},
		})
		require.NoError(t, err)
		assert.True(t, up.Success)
		assert.Equal(t, i, up.Version)
	}

	got, err := c.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Versions, 2)
	assert.Equal(t, "demo/v2/app.tar", got.Versions[1].BlobPath)

	projects, err := c.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	var buf bytes.Buffer
	info, err := c.Download(ctx, p.ID, 2, &buf)
	require.NoError(t, err)
	assert.Equal(t, artifact, buf.Bytes())
	assert.Equal(t, "app.tar", info.FileName)
	assert.Equal(t, 2, info.Version)
	assert.Equal(t, int64(len(artifact)), info.Size)
	assert.Equal(t, registry.Checksum(artifact), info.Checksum)
}

func TestClient_APIErrors(t *testing.T) {
	srv := newRegistryServer(t)
	ctx := context.Background()
	alice := newClient(t, srv.URL, "alice@example.com")
	bob := newClient(t, srv.URL, "bob@example.com")

	p, err := alice.CreateProject(ctx, "demo")
	require.NoError(t, err)

	tests := []struct {
		name   string
		call   func() error
		status int
		code   string
	}{
		{"duplicate project", func() error {
			_, err := alice.CreateProject(ctx, "demo")
			return err
		}, http.StatusBadRequest, "project_exists"},
		{"not owner", func() error {
			_, err := bob.GetProject(ctx, p.ID)
			return err
		}, http.StatusNotFound, "project_not_found"},
		{"missing version", func() error {
			_, err := alice.Download(ctx, p.ID, 7, &bytes.Buffer{})
			return err
		}, http.StatusNotFound, "version_not_found"},
		{"anonymous", func() error {
			_, err := newClient(t, srv.URL, "").ListProjects(ctx)
			return err
		}, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.False(t, client.IsRetryable(err))
		})
	}
}

// flakyUpload answers the first n uploads with status, then succeeds
func flakyUpload(t *testing.T, n int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if calls.Add(1) <= n {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"code":"version_conflict","message":"retry"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success":true,"project_name":"demo","version":3}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClient_UploadRetriesConflicts(t *testing.T) {
	srv, calls := flakyUpload(t, 2, http.StatusConflict)
	c := newClient(t, srv.URL, "", fastRetry())

	up, err := c.Upload(context.Background(), "p", client.UploadRequest{FileName: "app.tar", Artifact: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 3, up.Version)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_UploadRetriesUnavailable(t *testing.T) {
	srv, calls := flakyUpload(t, 1, http.StatusServiceUnavailable)
	c := newClient(t, srv.URL, "", fastRetry())

	_, err := c.Upload(context.Background(), "p", client.UploadRequest{FileName: "app.tar", Artifact: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_UploadWithoutRetry(t *testing.T) {
	srv, calls := flakyUpload(t, 1, http.StatusConflict)
	c := newClient(t, srv.URL, "", client.WithRetryPolicy(backoff.Null()))

	_, err := c.Upload(context.Background(), "p", client.UploadRequest{FileName: "app.tar", Artifact: []byte("x")})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UploadDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := flakyUpload(t, 10, http.StatusBadRequest)
	c := newClient(t, srv.URL, "", fastRetry())

	_, err := c.Upload(context.Background(), "p", client.UploadRequest{FileName: "app.tar", Artifact: []byte("x")})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UploadDoesNotRetryTakenBlobPath(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"blob_path_taken","message":"use another filename"}}`))
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv.URL, "", fastRetry())

	_, err := c.Upload(context.Background(), "p", client.UploadRequest{FileName: "app.tar", Artifact: []byte("x")})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, client.CodeBlobPathTaken, apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_DownloadChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Checksum-Blake3", registry.Checksum([]byte("expected")))
		w.Header().Set("X-Version", "1")
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, "")
	_, err := c.Download(context.Background(), "p", 1, &bytes.Buffer{})
	assert.ErrorIs(t, err, client.ErrChecksumMismatch)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := client.New("localhost:8000")
	assert.Error(t, err)

	_, err = client.New("ftp://example.com")
	assert.Error(t, err)
}
