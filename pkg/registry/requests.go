package registry

// CreateProjectRequest contains parameters for creating a project
type CreateProjectRequest struct {
	OwnerID string
	Name    string
}

// GetProjectRequest identifies a project visible to OwnerID
type GetProjectRequest struct {
	ProjectID string
	OwnerID   string
}

// RegisterUploadRequest contains the artifact and metadata of a new version.
// EnvVars must already be a flat mapping; use ParseEnvVars for raw JSON input.
type RegisterUploadRequest struct {
	ProjectID     string
	OwnerID       string
	FileName      string
	Artifact      []byte
	EntryPath     string
	Language      string
	HasDockerfile bool
	EnvVars       map[string]string
}

// DownloadRequest identifies one version of a project visible to OwnerID
type DownloadRequest struct {
	ProjectID string
	OwnerID   string
	Version   int
}
