package registry

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload uploads content directly, overwriting any existing object
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// UploadWithParams uploads content with additional parameters.
	// With CreateOnly set it returns ErrBlobExists when the key is taken.
	UploadWithParams(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// Repository defines the interface for project and version persistence.
// Implementations must enforce (OwnerID, Name) uniqueness for projects, and
// (ProjectID, Number) and (StorageBackend, BlobPath) uniqueness for versions.
// Failures known to have written nothing should wrap ErrNotCommitted.
type Repository interface {
	// CreateProject returns ErrProjectExists when the owner already has the name
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	// ListProjects returns the owner's projects ordered by creation time
	ListProjects(ctx context.Context, ownerID string) ([]*Project, error)

	CountVersions(ctx context.Context, projectID uuid.UUID) (int, error)
	// CreateVersion returns ErrVersionConflict when the number is taken and
	// ErrBlobPathTaken when another version already references the blob path
	CreateVersion(ctx context.Context, version *Version) error
	GetVersion(ctx context.Context, projectID uuid.UUID, number int) (*Version, error)
	// GetVersionByBlobPath returns the version stored at path on backend, in
	// any project, or ErrVersionNotFound
	GetVersionByBlobPath(ctx context.Context, backend, path string) (*Version, error)
	// ListVersions returns every version of the project in no particular order
	ListVersions(ctx context.Context, projectID uuid.UUID) ([]*Version, error)
}

// EventSink defines the interface for event handling
type EventSink interface {
	// ProjectCreated is fired when a project is created
	ProjectCreated(ctx context.Context, project *Project) error

	// VersionRegistered is fired after a version record is committed
	VersionRegistered(ctx context.Context, project *Project, version *Version) error
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	ObjectKey  string
	MimeType   string
	CreateOnly bool
}
