package registry

import (
	"context"
	"errors"
	"fmt"
)

// Error types
var (
	// ErrProjectNotFound indicates a project does not exist or is not owned by the caller.
	// The two cases are deliberately indistinguishable.
	ErrProjectNotFound = errors.New("project not found")

	// ErrVersionNotFound indicates the requested version number does not exist
	ErrVersionNotFound = errors.New("version not found")

	// ErrProjectExists indicates the owner already has a project with that name
	ErrProjectExists = errors.New("project name already exists")

	// ErrVersionConflict indicates another registration already claimed the version number
	ErrVersionConflict = errors.New("version number already registered")

	// ErrBlobPathTaken indicates a version of another project already stores
	// its artifact at the same blob path. Retrying cannot succeed; the upload
	// needs a different filename.
	ErrBlobPathTaken = errors.New("blob path already used by another project")

	// ErrNotCommitted marks a store failure that provably left no write
	// behind, such as a refused connection.
	ErrNotCommitted = errors.New("write not committed")

	// ErrBlobExists is returned by create-only uploads when the key is taken
	ErrBlobExists = errors.New("blob already exists")

	// ErrBlobNotFound indicates a blob key does not exist in the backend
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidInput indicates a malformed identifier or payload
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates no principal could be resolved for the request
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStoreUnavailable indicates the metadata or blob store could not be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeout indicates a store operation exceeded its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrStorageBackendNotFound indicates a storage backend was not registered
	ErrStorageBackendNotFound = errors.New("storage backend not found")
)

// ErrorKind classifies errors for callers deciding how to surface or retry them.
type ErrorKind string

const (
	KindInternal     ErrorKind = "internal"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindUnavailable  ErrorKind = "store_unavailable"
	KindTimeout      ErrorKind = "timeout"
)

// Kind returns the taxonomy bucket of err.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrProjectNotFound), errors.Is(err, ErrVersionNotFound):
		return KindNotFound
	case errors.Is(err, ErrProjectExists), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrBlobExists),
		errors.Is(err, ErrBlobPathTaken):
		return KindConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// IsRetryable reports whether repeating the whole operation may succeed.
// Duplicate project names and blob paths held by another project are
// conflicts that never clear on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrProjectExists) || errors.Is(err, ErrBlobPathTaken) {
		return false
	}
	switch Kind(err) {
	case KindConflict, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// ProjectError represents an error related to project operations
type ProjectError struct {
	ProjectID string
	Op        string
	Err       error
}

func (e *ProjectError) Error() string {
	return fmt.Sprintf("project operation %s failed for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *ProjectError) Unwrap() error {
	return e.Err
}

// VersionError represents an error related to a single version of a project
type VersionError struct {
	ProjectID string
	Version   int
	Op        string
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("version operation %s failed for project %s version %d: %v", e.Op, e.ProjectID, e.Version, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
