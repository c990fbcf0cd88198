// Package api exposes the registry over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/auth"
)

// DefaultMaxUploadBytes bounds the multipart upload body
const DefaultMaxUploadBytes int64 = 100 << 20

// multipart parts beyond this size are spooled to disk
const multipartMemory = 32 << 20

// VersionResponse is the response body for a version
type VersionResponse struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	Version           int               `json:"version"`
	FileName          string            `json:"filename"`
	BlobPath          string            `json:"blob_path"`
	StorageBackend    string            `json:"storage_backend"`
	Size              int64             `json:"size"`
	CurrentPath       string            `json:"current_path"`
	Language          string            `json:"language"`
	HasDockerfile     bool              `json:"has_dockerfile"`
	EnvVars           map[string]string `json:"env_vars"`
	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm string            `json:"checksum_algorithm,omitempty"`
	UploadedAt        time.Time         `json:"uploaded_at"`
}

// ProjectResponse is the response body for a project
type ProjectResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	OwnerID   string            `json:"owner_id"`
	CreatedAt time.Time         `json:"created_at"`
	Versions  []VersionResponse `json:"versions"`
}

// CreateProjectRequest is the request body for creating a project
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// UploadResponse is the response body of a successful upload
type UploadResponse struct {
	Success     bool   `json:"success"`
	ProjectName string `json:"project_name"`
	VersionResponse
}

// Handler serves the project and artifact endpoints
type Handler struct {
	service        registry.Service
	logger         *slog.Logger
	maxUploadBytes int64
	registrations  *prometheus.CounterVec
	uploadBytes    prometheus.Histogram
	httpMetrics    httpmetrics.Middleware
	measured       bool
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the handler logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxUploadBytes bounds upload request bodies
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithMetrics registers request and registration metrics with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Handler) {
		if reg == nil {
			return
		}
		reg.MustRegister(h.registrations, h.uploadBytes)
		h.httpMetrics = httpmetrics.New(httpmetrics.Config{
			Recorder: metricsprom.NewRecorder(metricsprom.Config{Registry: reg}),
		})
		h.measured = true
	}
}

// NewHandler creates a new registry handler
func NewHandler(service registry.Service, opts ...Option) *Handler {
	h := &Handler{
		service:        service,
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registry",
			Name:      "registrations_total",
			Help:      "Upload registrations by outcome.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "registry",
			Name:      "upload_bytes",
			Help:      "Size of registered artifacts.",
			Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 10),
		}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routes for projects. Callers mount it behind
// auth.Middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.measure("/projects")).Post("/", h.CreateProject)
	r.With(h.measure("/projects")).Get("/", h.ListProjects)
	r.With(h.measure("/projects/{projectID}")).Get("/{projectID}", h.GetProject)
	r.With(h.measure("/projects/{projectID}/upload")).Post("/{projectID}/upload", h.Upload)
	r.With(h.measure("/projects/{projectID}/download/{version}")).Get("/{projectID}/download/{version}", h.Download)

	return r
}

func (h *Handler) measure(handlerID string) func(http.Handler) http.Handler {
	if !h.measured {
		return func(next http.Handler) http.Handler { return next }
	}
	return std.HandlerProvider(handlerID, h.httpMetrics)
}

func principal(r *http.Request) string {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// CreateProject creates a project owned by the caller
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}

	project, err := h.service.CreateProject(r.Context(), registry.CreateProjectRequest{
		OwnerID: principal(r),
		Name:    req.Name,
	})
	if err != nil {
		h.writeError(w, r, "Failed to create project", err)
		return
	}

	h.logger.Info("Project created", "project_id", project.ID, "name", project.Name)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toProjectResponse(project))
}

// ListProjects lists the caller's projects with their versions
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.ListProjects(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, "Failed to list projects", err)
		return
	}

	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, toProjectResponse(p))
	}
	render.JSON(w, r, resp)
}

// GetProject returns one project with its versions in ascending order
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.service.GetProject(r.Context(), registry.GetProjectRequest{
		ProjectID: chi.URLParam(r, "projectID"),
		OwnerID:   principal(r),
	})
	if err != nil {
		h.writeError(w, r, "Failed to get project", err)
		return
	}
	render.JSON(w, r, toProjectResponse(project))
}

// Upload registers a new version from a multipart form with fields
// file, env_vars, current_path, language and has_dockerfile.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "Upload exceeds the size limit")
			return
		}
		writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "file is required")
		return
	}
	defer file.Close()

	artifact, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("Failed to read upload", "error", err)
		writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "Failed to read file")
		return
	}

	envVars, err := registry.ParseEnvVars(r.FormValue("env_vars"))
	if err != nil {
		h.writeError(w, r, "Invalid env_vars", err)
		return
	}

	hasDockerfile := false
	if raw := strings.TrimSpace(r.FormValue("has_dockerfile")); raw != "" {
		hasDockerfile, err = strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "has_dockerfile must be a boolean")
			return
		}
	}

	reg, err := h.service.RegisterUpload(r.Context(), registry.RegisterUploadRequest{
		ProjectID:     chi.URLParam(r, "projectID"),
		OwnerID:       principal(r),
		FileName:      header.Filename,
		Artifact:      artifact,
		EntryPath:     r.FormValue("current_path"),
		Language:      r.FormValue("language"),
		HasDockerfile: hasDockerfile,
		EnvVars:       envVars,
	})
	if err != nil {
		result := "error"
		if registry.Kind(err) == registry.KindConflict {
			result = "conflict"
		}
		h.registrations.WithLabelValues(result).Inc()
		h.writeError(w, r, "Failed to register upload", err)
		return
	}

	h.registrations.WithLabelValues("success").Inc()
	h.uploadBytes.Observe(float64(reg.Version.Size))
	h.logger.Info("Version registered", "project_id", reg.Version.ProjectID,
		"version", reg.Version.Number, "blob_path", reg.Version.BlobPath, "size", reg.Version.Size)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, UploadResponse{
		Success:         true,
		ProjectName:     reg.ProjectName,
		VersionResponse: toVersionResponse(reg.Version),
	})
}

// Download streams the artifact bytes of one version
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_input", "version must be an integer")
		return
	}

	artifact, err := h.service.Download(r.Context(), registry.DownloadRequest{
		ProjectID: chi.URLParam(r, "projectID"),
		OwnerID:   principal(r),
		Version:   version,
	})
	if err != nil {
		h.writeError(w, r, "Failed to download artifact", err)
		return
	}
	defer artifact.Body.Close()

	v := artifact.Version
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": v.FileName}))
	w.Header().Set("Content-Length", strconv.FormatInt(v.Size, 10))
	w.Header().Set("X-Version", strconv.Itoa(v.Number))
	if v.ChecksumAlgorithm == registry.ChecksumAlgorithmBlake3 && v.Checksum != "" {
		w.Header().Set("X-Checksum-Blake3", v.Checksum)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, artifact.Body); err != nil {
		h.logger.Error("Failed to stream artifact", "blob_path", v.BlobPath, "error", err)
	}
}

func toVersionResponse(v *registry.Version) VersionResponse {
	env := v.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	return VersionResponse{
		ID:                v.ID.String(),
		ProjectID:         v.ProjectID.String(),
		Version:           v.Number,
		FileName:          v.FileName,
		BlobPath:          v.BlobPath,
		StorageBackend:    v.StorageBackend,
		Size:              v.Size,
		CurrentPath:       v.EntryPath,
		Language:          v.Language,
		HasDockerfile:     v.HasDockerfile,
		EnvVars:           env,
		Checksum:          v.Checksum,
		ChecksumAlgorithm: v.ChecksumAlgorithm,
		UploadedAt:        v.UploadedAt,
	}
}

func toProjectResponse(p *registry.ProjectWithVersions) ProjectResponse {
	versions := make([]VersionResponse, 0, len(p.Versions))
	for _, v := range p.Versions {
		versions = append(versions, toVersionResponse(v))
	}
	return ProjectResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		OwnerID:   p.OwnerID,
		CreatedAt: p.CreatedAt,
		Versions:  versions,
	}
}
