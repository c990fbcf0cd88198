// Package redis implements registry.Repository on Redis.
//
// Layout, relative to the key prefix:
//
//	project:{id}             JSON project
//	project:{id}:versions    HASH version number -> JSON version
//	owner:{owner}:projects   ZSET project ids scored by creation time
//	owner:{owner}:names      HASH project name -> project id
//	blobs                    HASH "{backend}\x00{blob path}" -> "{project id}:{number}"
//
// Uniqueness is enforced inside Lua scripts so each write is atomic. The
// scripts touch keys of several projects and owners, which Redis Cluster
// rejects across hash slots, so the repository takes a single-node (or
// sentinel failover) client.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-registry/pkg/registry"
)

// DefaultKeyPrefix namespaces all registry keys
const DefaultKeyPrefix = "registry:"

// KEYS: owner names hash, project key, owner projects zset
// ARGV: name, id, project json, score
var createProjectScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// KEYS: project key, versions hash, blobs hash
// ARGV: number, version json, blob field, blob ref
var createVersionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
if redis.call('HSETNX', KEYS[3], ARGV[3], ARGV[4]) == 0 then
	return -2
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Repository implements registry.Repository using Redis
type Repository struct {
	client *redis.Client
	prefix string
}

// Option configures the repository
type Option func(*Repository)

// WithKeyPrefix overrides DefaultKeyPrefix
func WithKeyPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

// New creates a new Redis repository. Cluster clients are not supported.
func New(client *redis.Client, opts ...Option) *Repository {
	r := &Repository{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) projectKey(id uuid.UUID) string {
	return r.prefix + "project:" + id.String()
}

func (r *Repository) versionsKey(id uuid.UUID) string {
	return r.prefix + "project:" + id.String() + ":versions"
}

func (r *Repository) ownerProjectsKey(owner string) string {
	return r.prefix + "owner:" + owner + ":projects"
}

func (r *Repository) ownerNamesKey(owner string) string {
	return r.prefix + "owner:" + owner + ":names"
}

func (r *Repository) blobsKey() string {
	return r.prefix + "blobs"
}

func blobField(backend, path string) string {
	return backend + "\x00" + path
}

// mapError marks connection failures as ErrStoreUnavailable. Failed dials
// and closed clients never sent the command, so they also wrap
// ErrNotCommitted.
func mapError(op string, err error) error {
	var opErr *net.OpError
	if (errors.As(err, &opErr) && opErr.Op == "dial") || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w: failed to %s: %w", registry.ErrStoreUnavailable, registry.ErrNotCommitted, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s: %w", registry.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Project operations

func (r *Repository) CreateProject(ctx context.Context, project *registry.Project) error {
	data, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}

	created, err := createProjectScript.Run(ctx, r.client,
		[]string{r.ownerNamesKey(project.OwnerID), r.projectKey(project.ID), r.ownerProjectsKey(project.OwnerID)},
		project.Name, project.ID.String(), data, project.CreatedAt.UnixMicro(),
	).Int()
	if err != nil {
		return mapError("create project", err)
	}
	if created == 0 {
		return registry.ErrProjectExists
	}
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*registry.Project, error) {
	data, err := r.client.Get(ctx, r.projectKey(id)).Bytes()
	if err == redis.Nil {
		return nil, registry.ErrProjectNotFound
	}
	if err != nil {
		return nil, mapError("get project", err)
	}

	var project registry.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	return &project, nil
}

func (r *Repository) ListProjects(ctx context.Context, ownerID string) ([]*registry.Project, error) {
	ids, err := r.client.ZRange(ctx, r.ownerProjectsKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, mapError("list projects", err)
	}
	if len(ids) == 0 {
		return []*registry.Project{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefix + "project:" + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapError("list projects", err)
	}

	projects := make([]*registry.Project, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("project %s is indexed but missing", ids[i])
		}
		var project registry.Project
		if err := json.Unmarshal([]byte(s), &project); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project: %w", err)
		}
		projects = append(projects, &project)
	}
	return projects, nil
}

// Version operations

func (r *Repository) CountVersions(ctx context.Context, projectID uuid.UUID) (int, error) {
	n, err := r.client.HLen(ctx, r.versionsKey(projectID)).Result()
	if err != nil {
		return 0, mapError("count versions", err)
	}
	return int(n), nil
}

func (r *Repository) CreateVersion(ctx context.Context, version *registry.Version) error {
	data, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}

	res, err := createVersionScript.Run(ctx, r.client,
		[]string{r.projectKey(version.ProjectID), r.versionsKey(version.ProjectID), r.blobsKey()},
		strconv.Itoa(version.Number), data,
		blobField(version.StorageBackend, version.BlobPath), version.ProjectID.String()+":"+strconv.Itoa(version.Number),
	).Int()
	if err != nil {
		return mapError("create version", err)
	}
	switch res {
	case -1:
		return registry.ErrProjectNotFound
	case 0:
		return registry.ErrVersionConflict
	case -2:
		return registry.ErrBlobPathTaken
	}
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, projectID uuid.UUID, number int) (*registry.Version, error) {
	data, err := r.client.HGet(ctx, r.versionsKey(projectID), strconv.Itoa(number)).Bytes()
	if err == redis.Nil {
		return nil, registry.ErrVersionNotFound
	}
	if err != nil {
		return nil, mapError("get version", err)
	}

	var version registry.Version
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal version: %w", err)
	}
	return &version, nil
}

func (r *Repository) GetVersionByBlobPath(ctx context.Context, backend, path string) (*registry.Version, error) {
	ref, err := r.client.HGet(ctx, r.blobsKey(), blobField(backend, path)).Result()
	if err == redis.Nil {
		return nil, registry.ErrVersionNotFound
	}
	if err != nil {
		return nil, mapError("get version by blob path", err)
	}

	id, number, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, fmt.Errorf("malformed blob index entry %q", ref)
	}
	projectID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("malformed blob index entry %q: %w", ref, err)
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, fmt.Errorf("malformed blob index entry %q: %w", ref, err)
	}
	return r.GetVersion(ctx, projectID, n)
}

func (r *Repository) ListVersions(ctx context.Context, projectID uuid.UUID) ([]*registry.Version, error) {
	values, err := r.client.HVals(ctx, r.versionsKey(projectID)).Result()
	if err != nil {
		return nil, mapError("list versions", err)
	}

	versions := make([]*registry.Version, 0, len(values))
	for _, v := range values {
		var version registry.Version
		if err := json.Unmarshal([]byte(v), &version); err != nil {
			return nil, fmt.Errorf("failed to unmarshal version: %w", err)
		}
		versions = append(versions, &version)
	}
	return versions, nil
}
