package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Constraint names referenced by error mapping
const (
	projectsOwnerNameKey  = "projects_owner_id_name_key"
	versionsProjectNumKey = "versions_project_id_number_key"
	versionsProjectFKey   = "versions_project_id_fkey"
	versionsBlobPathKey   = "versions_backend_blob_path_key"
)

// Schema creates the registry tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	CONSTRAINT projects_owner_id_name_key UNIQUE (owner_id, name)
);

CREATE TABLE IF NOT EXISTS versions (
	id                 UUID PRIMARY KEY,
	project_id         UUID NOT NULL,
	number             INTEGER NOT NULL CHECK (number > 0),
	filename           TEXT NOT NULL,
	blob_path          TEXT NOT NULL,
	storage_backend    TEXT NOT NULL,
	size               BIGINT NOT NULL,
	entry_path         TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL DEFAULT 'unknown',
	has_dockerfile     BOOLEAN NOT NULL DEFAULT FALSE,
	env_vars           JSONB NOT NULL DEFAULT '{}'::jsonb,
	checksum           TEXT NOT NULL DEFAULT '',
	checksum_algorithm TEXT NOT NULL DEFAULT '',
	uploaded_at        TIMESTAMPTZ NOT NULL,
	CONSTRAINT versions_project_id_number_key UNIQUE (project_id, number),
	CONSTRAINT versions_project_id_fkey FOREIGN KEY (project_id) REFERENCES projects (id)
);

CREATE UNIQUE INDEX IF NOT EXISTS versions_backend_blob_path_key ON versions (storage_backend, blob_path);
`

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements registry.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate applies Schema
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return r.handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			switch pgErr.ConstraintName {
			case projectsOwnerNameKey:
				return registry.ErrProjectExists
			case versionsProjectNumKey:
				return registry.ErrVersionConflict
			case versionsBlobPathKey:
				return registry.ErrBlobPathTaken
			}
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			if pgErr.ConstraintName == versionsProjectFKey {
				return registry.ErrProjectNotFound
			}
			return fmt.Errorf("referenced record not found")
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		case "57P01", "57P02": // admin_shutdown, crash_shutdown
			return fmt.Errorf("%w: database error in %s: %s", registry.ErrStoreUnavailable, operation, pgErr.Message)
		case "57P03": // cannot_connect_now
			return fmt.Errorf("%w: %w: database error in %s: %s", registry.ErrStoreUnavailable, registry.ErrNotCommitted, operation, pgErr.Message)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	// Both cases fail before the statement reaches the server.
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w: database error in %s: %w", registry.ErrStoreUnavailable, registry.ErrNotCommitted, operation, err)
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Project operations

func (r *Repository) CreateProject(ctx context.Context, project *registry.Project) error {
	query := `
		INSERT INTO projects (id, name, owner_id, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.Exec(ctx, query, project.ID, project.Name, project.OwnerID, project.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create project", err)
	}
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*registry.Project, error) {
	query := `SELECT id, name, owner_id, created_at FROM projects WHERE id = $1`

	var project registry.Project
	err := r.db.QueryRow(ctx, query, id).Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrProjectNotFound
		}
		return nil, r.handlePostgresError("get project", err)
	}
	return &project, nil
}

func (r *Repository) ListProjects(ctx context.Context, ownerID string) ([]*registry.Project, error) {
	query := `
		SELECT id, name, owner_id, created_at
		FROM projects WHERE owner_id = $1
		ORDER BY created_at ASC, name ASC`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, r.handlePostgresError("list projects", err)
	}
	defer rows.Close()

	projects := []*registry.Project{}
	for rows.Next() {
		var project registry.Project
		if err := rows.Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan project", err)
		}
		projects = append(projects, &project)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list projects", err)
	}
	return projects, nil
}

// Version operations

const versionColumns = `id, project_id, number, filename, blob_path, storage_backend, size,
	entry_path, language, has_dockerfile, env_vars, checksum, checksum_algorithm, uploaded_at`

func scanVersion(row pgx.Row) (*registry.Version, error) {
	var v registry.Version
	var env []byte
	err := row.Scan(&v.ID, &v.ProjectID, &v.Number, &v.FileName, &v.BlobPath, &v.StorageBackend, &v.Size,
		&v.EntryPath, &v.Language, &v.HasDockerfile, &env, &v.Checksum, &v.ChecksumAlgorithm, &v.UploadedAt)
	if err != nil {
		return nil, err
	}
	v.EnvVars = map[string]string{}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &v.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to decode env_vars: %w", err)
		}
	}
	return &v, nil
}

func (r *Repository) CountVersions(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM versions WHERE project_id = $1`, projectID).Scan(&n)
	if err != nil {
		return 0, r.handlePostgresError("count versions", err)
	}
	return n, nil
}

func (r *Repository) CreateVersion(ctx context.Context, version *registry.Version) error {
	env := version.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode env_vars: %w", err)
	}

	query := `
		INSERT INTO versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.db.Exec(ctx, query,
		version.ID, version.ProjectID, version.Number, version.FileName, version.BlobPath,
		version.StorageBackend, version.Size, version.EntryPath, version.Language,
		version.HasDockerfile, envJSON, version.Checksum, version.ChecksumAlgorithm, version.UploadedAt)
	if err != nil {
		return r.handlePostgresError("create version", err)
	}
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, projectID uuid.UUID, number int) (*registry.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE project_id = $1 AND number = $2`

	version, err := scanVersion(r.db.QueryRow(ctx, query, projectID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrVersionNotFound
		}
		return nil, r.handlePostgresError("get version", err)
	}
	return version, nil
}

func (r *Repository) GetVersionByBlobPath(ctx context.Context, backend, path string) (*registry.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE storage_backend = $1 AND blob_path = $2`

	version, err := scanVersion(r.db.QueryRow(ctx, query, backend, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registry.ErrVersionNotFound
		}
		return nil, r.handlePostgresError("get version by blob path", err)
	}
	return version, nil
}

func (r *Repository) ListVersions(ctx context.Context, projectID uuid.UUID) ([]*registry.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE project_id = $1 ORDER BY number ASC`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, r.handlePostgresError("list versions", err)
	}
	defer rows.Close()

	versions := []*registry.Version{}
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan version", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list versions", err)
	}
	return versions, nil
}
