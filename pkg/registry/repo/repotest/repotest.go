// Package repotest holds the behavior every registry.Repository must share.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
)

// NewProject returns an unsaved project with a fresh id
func NewProject(owner, name string, createdAt time.Time) *registry.Project {
	return &registry.Project{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   owner,
		CreatedAt: createdAt.UTC().Truncate(time.Microsecond),
	}
}

// NewVersion returns an unsaved version of project p
func NewVersion(p *registry.Project, number int) *registry.Version {
	return &registry.Version{
		ID:                uuid.New(),
		ProjectID:         p.ID,
		Number:            number,
		FileName:          "app.tar",
		BlobPath:          registry.BlobPath(p.Name, number, "app.tar"),
		StorageBackend:    "memory",
		Size:              100,
		EntryPath:         "main.py",
		Language:          "python",
		HasDockerfile:     number%2 == 0,
		EnvVars:           map[string]string{"PORT": "8080"},
		Checksum:          "abc",
		ChecksumAlgorithm: registry.ChecksumAlgorithmBlake3,
		UploadedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Run exercises repo. Each call to newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) registry.Repository) {
	t.Run("ProjectLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice@example.com", "demo", time.Now())

		require.NoError(t, repo.CreateProject(ctx, p))

		got, err := repo.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, "demo", got.Name)
		assert.Equal(t, "alice@example.com", got.OwnerID)
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

		_, err = repo.GetProject(ctx, uuid.New())
		assert.ErrorIs(t, err, registry.ErrProjectNotFound)
	})

	t.Run("ProjectNameUniquePerOwner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.CreateProject(ctx, NewProject("alice", "demo", time.Now())))
		err := repo.CreateProject(ctx, NewProject("alice", "demo", time.Now()))
		assert.ErrorIs(t, err, registry.ErrProjectExists)

		assert.NoError(t, repo.CreateProject(ctx, NewProject("bob", "demo", time.Now())))

		projects, err := repo.ListProjects(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, projects, 1)
	})

	t.Run("ListProjectsByOwnerInCreationOrder", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for _, c := range []struct {
			name   string
			offset time.Duration
		}{{"third", 3 * time.Minute}, {"first", time.Minute}, {"second", 2 * time.Minute}} {
			require.NoError(t, repo.CreateProject(ctx, NewProject("alice", c.name, base.Add(c.offset))))
		}
		require.NoError(t, repo.CreateProject(ctx, NewProject("bob", "other", base)))

		projects, err := repo.ListProjects(ctx, "alice")
		require.NoError(t, err)
		names := make([]string, len(projects))
		for i, p := range projects {
			names[i] = p.Name
		}
		assert.Equal(t, []string{"first", "second", "third"}, names)

		none, err := repo.ListProjects(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("VersionLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice", "demo", time.Now())
		require.NoError(t, repo.CreateProject(ctx, p))

		count, err := repo.CountVersions(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		for _, n := range []int{2, 1, 3} {
			require.NoError(t, repo.CreateVersion(ctx, NewVersion(p, n)))
		}

		count, err = repo.CountVersions(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		v, err := repo.GetVersion(ctx, p.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, v.Number)
		assert.Equal(t, "demo/v2/app.tar", v.BlobPath)
		assert.Equal(t, map[string]string{"PORT": "8080"}, v.EnvVars)
		assert.True(t, v.HasDockerfile)
		assert.Equal(t, "python", v.Language)
		assert.Equal(t, int64(100), v.Size)

		_, err = repo.GetVersion(ctx, p.ID, 9)
		assert.ErrorIs(t, err, registry.ErrVersionNotFound)

		versions, err := repo.ListVersions(ctx, p.ID)
		require.NoError(t, err)
		numbers := make([]int, len(versions))
		for i, v := range versions {
			numbers[i] = v.Number
		}
		sort.Ints(numbers)
		assert.Equal(t, []int{1, 2, 3}, numbers)
	})

	t.Run("VersionNumberUniquePerProject", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice", "demo", time.Now())
		q := NewProject("alice", "other", time.Now())
		require.NoError(t, repo.CreateProject(ctx, p))
		require.NoError(t, repo.CreateProject(ctx, q))

		require.NoError(t, repo.CreateVersion(ctx, NewVersion(p, 1)))
		err := repo.CreateVersion(ctx, NewVersion(p, 1))
		assert.ErrorIs(t, err, registry.ErrVersionConflict)

		assert.NoError(t, repo.CreateVersion(ctx, NewVersion(q, 1)))
	})

	t.Run("BlobPathUniqueAcrossProjects", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		alice := NewProject("alice", "demo", time.Now())
		bob := NewProject("bob", "demo", time.Now())
		require.NoError(t, repo.CreateProject(ctx, alice))
		require.NoError(t, repo.CreateProject(ctx, bob))

		require.NoError(t, repo.CreateVersion(ctx, NewVersion(alice, 1)))
		err := repo.CreateVersion(ctx, NewVersion(bob, 1))
		assert.ErrorIs(t, err, registry.ErrBlobPathTaken)

		count, err := repo.CountVersions(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		other := NewVersion(bob, 1)
		other.StorageBackend = "fs"
		assert.NoError(t, repo.CreateVersion(ctx, other))
	})

	t.Run("GetVersionByBlobPath", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice", "demo", time.Now())
		require.NoError(t, repo.CreateProject(ctx, p))
		require.NoError(t, repo.CreateVersion(ctx, NewVersion(p, 1)))
		require.NoError(t, repo.CreateVersion(ctx, NewVersion(p, 2)))

		got, err := repo.GetVersionByBlobPath(ctx, "memory", "demo/v2/app.tar")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ProjectID)
		assert.Equal(t, 2, got.Number)

		_, err = repo.GetVersionByBlobPath(ctx, "fs", "demo/v2/app.tar")
		assert.ErrorIs(t, err, registry.ErrVersionNotFound)
		_, err = repo.GetVersionByBlobPath(ctx, "memory", "demo/v3/app.tar")
		assert.ErrorIs(t, err, registry.ErrVersionNotFound)
	})

	t.Run("ConcurrentVersionInsertsHaveOneWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice", "demo", time.Now())
		require.NoError(t, repo.CreateProject(ctx, p))

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.CreateVersion(ctx, NewVersion(p, 1))
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.ErrorIs(t, err, registry.ErrVersionConflict)
		}
		assert.Equal(t, 1, winners, fmt.Sprintf("errors: %v", errs))

		count, err := repo.CountVersions(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		p := NewProject("alice", "demo", time.Now())
		require.NoError(t, repo.CreateProject(ctx, p))
		v := NewVersion(p, 1)
		require.NoError(t, repo.CreateVersion(ctx, v))

		v.EnvVars["PORT"] = "changed"
		got, err := repo.GetVersion(ctx, p.ID, 1)
		require.NoError(t, err)
		got.EnvVars["EXTRA"] = "x"

		again, err := repo.GetVersion(ctx, p.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"PORT": "8080"}, again.EnvVars)
	})
}
