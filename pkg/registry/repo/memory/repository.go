package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Repository implements registry.Repository using in-memory storage
type Repository struct {
	mu            sync.RWMutex
	projects      map[uuid.UUID]*registry.Project
	projectByName map[string]uuid.UUID // "owner\x00name" -> project_id
	versions      map[uuid.UUID]map[int]*registry.Version
	blobs         map[string]blobRef // "backend\x00path" -> owning version
}

type blobRef struct {
	projectID uuid.UUID
	number    int
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		projects:      make(map[uuid.UUID]*registry.Project),
		projectByName: make(map[string]uuid.UUID),
		versions:      make(map[uuid.UUID]map[int]*registry.Version),
		blobs:         make(map[string]blobRef),
	}
}

func nameKey(ownerID, name string) string {
	return ownerID + "\x00" + name
}

func blobKey(backend, path string) string {
	return backend + "\x00" + path
}

func copyVersion(v *registry.Version) *registry.Version {
	c := *v
	c.EnvVars = maps.Clone(v.EnvVars)
	return &c
}

// Project operations

func (r *Repository) CreateProject(ctx context.Context, project *registry.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey(project.OwnerID, project.Name)
	if _, exists := r.projectByName[key]; exists {
		return registry.ErrProjectExists
	}

	projectCopy := *project
	r.projects[project.ID] = &projectCopy
	r.projectByName[key] = project.ID
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*registry.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, exists := r.projects[id]
	if !exists {
		return nil, registry.ErrProjectNotFound
	}
	projectCopy := *project
	return &projectCopy, nil
}

func (r *Repository) ListProjects(ctx context.Context, ownerID string) ([]*registry.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*registry.Project
	for _, project := range r.projects {
		if project.OwnerID == ownerID {
			projectCopy := *project
			result = append(result, &projectCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Name < result[j].Name
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Version operations

func (r *Repository) CountVersions(ctx context.Context, projectID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions[projectID]), nil
}

func (r *Repository) CreateVersion(ctx context.Context, version *registry.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[version.ProjectID]; !exists {
		return registry.ErrProjectNotFound
	}

	byNumber := r.versions[version.ProjectID]
	if byNumber == nil {
		byNumber = make(map[int]*registry.Version)
		r.versions[version.ProjectID] = byNumber
	}
	if _, exists := byNumber[version.Number]; exists {
		return registry.ErrVersionConflict
	}
	bk := blobKey(version.StorageBackend, version.BlobPath)
	if _, exists := r.blobs[bk]; exists {
		return registry.ErrBlobPathTaken
	}

	byNumber[version.Number] = copyVersion(version)
	r.blobs[bk] = blobRef{projectID: version.ProjectID, number: version.Number}
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, projectID uuid.UUID, number int) (*registry.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, exists := r.versions[projectID][number]
	if !exists {
		return nil, registry.ErrVersionNotFound
	}
	return copyVersion(version), nil
}

func (r *Repository) GetVersionByBlobPath(ctx context.Context, backend, path string) (*registry.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, exists := r.blobs[blobKey(backend, path)]
	if !exists {
		return nil, registry.ErrVersionNotFound
	}
	return copyVersion(r.versions[ref.projectID][ref.number]), nil
}

// ListVersions returns versions in map order; callers sort by number.
func (r *Repository) ListVersions(ctx context.Context, projectID uuid.UUID) ([]*registry.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*registry.Version, 0, len(r.versions[projectID]))
	for _, version := range r.versions[projectID] {
		result = append(result, copyVersion(version))
	}
	return result, nil
}
