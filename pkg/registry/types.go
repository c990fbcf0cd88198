package registry

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// ChecksumAlgorithmBlake3 is recorded on every Version written by this package
const ChecksumAlgorithmBlake3 = "blake3"

// LanguageUnknown is stored when an upload does not declare a language
const LanguageUnknown = "unknown"

// Project represents a named container of versions owned by one principal
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Version represents one uploaded artifact and its declared run metadata.
// Versions are immutable once created.
type Version struct {
	ID                uuid.UUID         `json:"id"`
	ProjectID         uuid.UUID         `json:"project_id"`
	Number            int               `json:"version"`
	FileName          string            `json:"filename"`
	BlobPath          string            `json:"blob_path"`
	StorageBackend    string            `json:"storage_backend"`
	Size              int64             `json:"size"`
	EntryPath         string            `json:"current_path"`
	Language          string            `json:"language"`
	HasDockerfile     bool              `json:"has_dockerfile"`
	EnvVars           map[string]string `json:"env_vars"`
	Checksum          string            `json:"checksum"`
	ChecksumAlgorithm string            `json:"checksum_algorithm"`
	UploadedAt        time.Time         `json:"uploaded_at"`
}

// ProjectWithVersions is a project together with its versions ordered
// ascending by version number
type ProjectWithVersions struct {
	Project
	Versions []*Version `json:"versions"`
}

// Registration is the result of a successful upload
type Registration struct {
	Version     *Version
	ProjectName string
}

// Artifact is the result of a download. Callers must close Body.
type Artifact struct {
	ProjectName string
	Version     *Version
	Body        io.ReadCloser
}
