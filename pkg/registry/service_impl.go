package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultOrphanGracePeriod is how old a blob without a version record must be
// before a registration may overwrite it.
const DefaultOrphanGracePeriod = 5 * time.Minute

// listConcurrency bounds parallel version loads in ListProjects
const listConcurrency = 8

// cleanupTimeout bounds best-effort blob removal when no store timeout is set
const cleanupTimeout = 30 * time.Second

// service implements the Service interface
type service struct {
	repository        Repository
	mu                sync.RWMutex // guards blobStores and defaultBackend
	blobStores        map[string]BlobStore
	defaultBackend    string
	eventSink         EventSink
	logger            *slog.Logger
	storeTimeout      time.Duration
	orphanGracePeriod time.Duration
	conflictRetries   int
	now               func() time.Time
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore adds a blob storage backend
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		if s.blobStores == nil {
			s.blobStores = make(map[string]BlobStore)
		}
		s.blobStores[name] = store
	}
}

// WithDefaultBackend selects the backend new versions are written to.
// It is required when more than one blob store is registered.
func WithDefaultBackend(name string) Option {
	return func(s *service) {
		s.defaultBackend = name
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithLogger sets the logger used for non-fatal failures
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithStoreTimeout bounds every repository and blob store call.
// Zero means calls are bounded only by the caller's context.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *service) {
		s.storeTimeout = d
	}
}

// WithOrphanGracePeriod sets the minimum age of a record-less blob before
// a registration reclaims its path.
func WithOrphanGracePeriod(d time.Duration) Option {
	return func(s *service) {
		s.orphanGracePeriod = d
	}
}

// WithConflictRetries makes RegisterUpload re-run up to n extra times when it
// loses a version-number race.
func WithConflictRetries(n int) Option {
	return func(s *service) {
		if n < 0 {
			n = 0
		}
		s.conflictRetries = n
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		blobStores:        make(map[string]BlobStore),
		orphanGracePeriod: DefaultOrphanGracePeriod,
		now:               time.Now,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.defaultBackend == "" && len(s.blobStores) == 1 {
		for name := range s.blobStores {
			s.defaultBackend = name
		}
	}
	if len(s.blobStores) > 1 && s.defaultBackend == "" {
		return nil, fmt.Errorf("default backend is required when %d blob stores are configured", len(s.blobStores))
	}
	if s.defaultBackend != "" {
		if _, ok := s.blobStores[s.defaultBackend]; !ok {
			return nil, fmt.Errorf("default backend %q is not registered", s.defaultBackend)
		}
	}

	return s, nil
}

// Project operations

func (s *service) CreateProject(ctx context.Context, req CreateProjectRequest) (*ProjectWithVersions, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, ErrUnauthorized
	}
	name, err := NormalizeProjectName(req.Name)
	if err != nil {
		return nil, err
	}

	project := &Project{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   owner,
		CreatedAt: s.now().UTC(),
	}

	err = s.callStore(ctx, func(ctx context.Context) error {
		return s.repository.CreateProject(ctx, project)
	})
	if err != nil {
		return nil, &ProjectError{
			ProjectID: project.ID.String(),
			Op:        "create",
			Err:       err,
		}
	}

	if err := s.eventSink.ProjectCreated(ctx, project); err != nil {
		s.logger.Warn("event sink failed", "event", "project_created", "project_id", project.ID, "err", err)
	}

	return &ProjectWithVersions{Project: *project, Versions: []*Version{}}, nil
}

func (s *service) GetProject(ctx context.Context, req GetProjectRequest) (*ProjectWithVersions, error) {
	id, err := ParseProjectID(req.ProjectID)
	if err != nil {
		return nil, err
	}
	project, err := s.ownedProject(ctx, id, req.OwnerID)
	if err != nil {
		return nil, err
	}
	versions, err := s.listVersions(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return &ProjectWithVersions{Project: *project, Versions: versions}, nil
}

func (s *service) ListProjects(ctx context.Context, ownerID string) ([]*ProjectWithVersions, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return nil, ErrUnauthorized
	}

	var projects []*Project
	err := s.callStore(ctx, func(ctx context.Context) error {
		var err error
		projects, err = s.repository.ListProjects(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	result := make([]*ProjectWithVersions, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, p := range projects {
		g.Go(func() error {
			versions, err := s.listVersions(gctx, p.ID)
			if err != nil {
				return err
			}
			result[i] = &ProjectWithVersions{Project: *p, Versions: versions}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// Artifact operations

func (s *service) Download(ctx context.Context, req DownloadRequest) (*Artifact, error) {
	id, err := ParseProjectID(req.ProjectID)
	if err != nil {
		return nil, err
	}
	project, err := s.ownedProject(ctx, id, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if req.Version < 1 {
		return nil, &VersionError{ProjectID: id.String(), Version: req.Version, Op: "download", Err: ErrVersionNotFound}
	}

	var version *Version
	err = s.callStore(ctx, func(ctx context.Context) error {
		var err error
		version, err = s.repository.GetVersion(ctx, project.ID, req.Version)
		return err
	})
	if err != nil {
		return nil, &VersionError{ProjectID: id.String(), Version: req.Version, Op: "download", Err: err}
	}

	backend, err := s.GetBackend(version.StorageBackend)
	if err != nil {
		return nil, err
	}

	// The body outlives this call, so the timeout is released on Close.
	dctx, cancel := s.storeContext(ctx)
	body, err := backend.Download(dctx, version.BlobPath)
	if err != nil {
		cancel()
		return nil, &StorageError{
			Backend: version.StorageBackend,
			Key:     version.BlobPath,
			Op:      "download",
			Err:     s.storeErr(err),
		}
	}

	return &Artifact{
		ProjectName: project.Name,
		Version:     version,
		Body:        &cancelOnClose{ReadCloser: body, cancel: cancel},
	}, nil
}

// Storage backend operations

func (s *service) RegisterBackend(name string, backend BlobStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobStores[name] = backend
	if s.defaultBackend == "" {
		s.defaultBackend = name
	}
}

func (s *service) GetBackend(name string) (BlobStore, error) {
	s.mu.RLock()
	backend, exists := s.blobStores[name]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStorageBackendNotFound, name)
	}
	return backend, nil
}

// writeBackend returns the default backend and its name
func (s *service) writeBackend() (string, BlobStore, error) {
	s.mu.RLock()
	name := s.defaultBackend
	s.mu.RUnlock()
	backend, err := s.GetBackend(name)
	return name, backend, err
}

// ownedProject hides projects of other owners behind ErrProjectNotFound.
func (s *service) ownedProject(ctx context.Context, id uuid.UUID, ownerID string) (*Project, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return nil, ErrUnauthorized
	}

	var project *Project
	err := s.callStore(ctx, func(ctx context.Context) error {
		var err error
		project, err = s.repository.GetProject(ctx, id)
		return err
	})
	if err != nil {
		return nil, &ProjectError{ProjectID: id.String(), Op: "get", Err: err}
	}
	if project.OwnerID != owner {
		return nil, &ProjectError{ProjectID: id.String(), Op: "get", Err: ErrProjectNotFound}
	}
	return project, nil
}

func (s *service) listVersions(ctx context.Context, projectID uuid.UUID) ([]*Version, error) {
	var versions []*Version
	err := s.callStore(ctx, func(ctx context.Context) error {
		var err error
		versions, err = s.repository.ListVersions(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, &ProjectError{ProjectID: projectID.String(), Op: "list_versions", Err: err}
	}
	if versions == nil {
		versions = []*Version{}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})
	return versions, nil
}

func (s *service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout > 0 {
		return context.WithTimeout(ctx, s.storeTimeout)
	}
	return context.WithCancel(ctx)
}

// callStore runs fn under the store timeout and classifies deadline errors.
func (s *service) callStore(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.storeErr(fn(sctx))
}

func (s *service) storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
