package registry

import (
	"context"
)

// Service defines the main interface for the registry
type Service interface {
	// Project operations
	CreateProject(ctx context.Context, req CreateProjectRequest) (*ProjectWithVersions, error)
	GetProject(ctx context.Context, req GetProjectRequest) (*ProjectWithVersions, error)
	ListProjects(ctx context.Context, ownerID string) ([]*ProjectWithVersions, error)

	// Artifact operations
	RegisterUpload(ctx context.Context, req RegisterUploadRequest) (*Registration, error)
	Download(ctx context.Context, req DownloadRequest) (*Artifact, error)

	// Storage backend operations
	RegisterBackend(name string, backend BlobStore)
	GetBackend(name string) (BlobStore, error)
}
