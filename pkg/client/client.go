// Package client is a Go client for the registry HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	"github.com/tendant/simple-registry/pkg/registry/api"
	"github.com/zeebo/blake3"
)

// ErrChecksumMismatch is returned when downloaded bytes do not match X-Checksum-Blake3
var ErrChecksumMismatch = errors.New("checksum mismatch")

// APIError is a non-2xx response from the registry
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("registry returned %d", e.Status)
	}
	return fmt.Sprintf("registry returned %d %s: %s", e.Status, e.Code, e.Message)
}

// CodeBlobPathTaken marks a 409 that retrying cannot clear: another project
// already stores an artifact under the same name and version path.
const CodeBlobPathTaken = "blob_path_taken"

// Retryable reports whether repeating the request may succeed
func (e *APIError) Retryable() bool {
	if e.Code == CodeBlobPathTaken {
		return false
	}
	switch e.Status {
	case http.StatusConflict, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable APIError
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// Client talks to a registry server
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	retry      backoff.Policy
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRetryPolicy sets the backoff used for uploads rejected with a
// retryable status. backoff.Null() disables retries.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// DefaultRetryPolicy retries conflicts with jittered exponential backoff.
// When the server loses its metadata store mid-write the artifact can stay
// behind, and retries then see 409 until the server's orphan grace period
// (five minutes by default) passes. Five retries do not span that window.
func DefaultRetryPolicy() backoff.Policy {
	return backoff.Exponential(
		backoff.WithMinInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithJitterFactor(0.2),
		backoff.WithMaxRetries(5),
	)
}

// New creates a client for the registry at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		retry:      DefaultRetryPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UploadRequest describes one artifact upload
type UploadRequest struct {
	FileName      string
	Artifact      []byte
	EntryPath     string
	Language      string
	HasDockerfile bool
	EnvVars       map[string]string
}

// DownloadInfo describes a downloaded artifact
type DownloadInfo struct {
	FileName string
	Version  int
	Size     int64
	Checksum string
}

// CreateProject creates a project owned by the caller
func (c *Client) CreateProject(ctx context.Context, name string) (*api.ProjectResponse, error) {
	body, err := json.Marshal(api.CreateProjectRequest{Name: name})
	if err != nil {
		return nil, err
	}
	var project api.ProjectResponse
	if err := c.doJSON(ctx, http.MethodPost, "/projects", bytes.NewReader(body), "application/json", &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects lists the caller's projects
func (c *Client) ListProjects(ctx context.Context) ([]api.ProjectResponse, error) {
	var projects []api.ProjectResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects", nil, "", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject returns one project with its versions
func (c *Client) GetProject(ctx context.Context, projectID string) (*api.ProjectResponse, error) {
	var project api.ProjectResponse
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, "", &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// Upload registers a new version, retrying conflicts and transient
// store failures with the client's retry policy.
func (c *Client) Upload(ctx context.Context, projectID string, req UploadRequest) (*api.UploadResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	path := "/projects/" + url.PathEscape(projectID) + "/upload"
	b := c.retry.Start(ctx)
	var lastErr error
	for attempt := 1; backoff.Continue(b); attempt++ {
		body, contentType, err := encodeUpload(req)
		if err != nil {
			return nil, err
		}

		var resp api.UploadResponse
		err = c.doJSON(ctx, http.MethodPost, path, body, contentType, &resp)
		if err == nil {
			return &resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("Upload rejected, retrying", "project_id", projectID, "attempt", attempt, "error", err)
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

// Download streams one version's artifact into w and verifies its
// checksum when the server provides one. On ErrChecksumMismatch the bytes
// already written to w must be discarded.
func (c *Client) Download(ctx context.Context, projectID string, version int, w io.Writer) (*DownloadInfo, error) {
	path := fmt.Sprintf("/projects/%s/download/%d", url.PathEscape(projectID), version)
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	info := &DownloadInfo{
		Version:  version,
		Size:     resp.ContentLength,
		Checksum: resp.Header.Get("X-Checksum-Blake3"),
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-Version")); err == nil {
		info.Version = v
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		info.FileName = params["filename"]
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	info.Size = n

	if info.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != info.Checksum {
			return info, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, info.Checksum, got)
		}
	}
	return info, nil
}

func encodeUpload(req UploadRequest) (io.Reader, string, error) {
	env := req.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(req.Artifact); err != nil {
		return nil, "", err
	}
	fields := []struct{ name, value string }{
		{"env_vars", string(envJSON)},
		{"current_path", req.EntryPath},
		{"language", req.Language},
		{"has_dockerfile", strconv.FormatBool(req.HasDockerfile)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends a request and converts non-2xx responses into *APIError
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var er api.ErrorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(data, &er) == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return nil, apiErr
}
