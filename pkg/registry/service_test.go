package registry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

// faultyRepo wraps a repository and injects failures
type faultyRepo struct {
	registry.Repository

	mu                sync.Mutex
	createVersionErrs []error
	staleCounts       int
	reverseVersions   bool
}

func (f *faultyRepo) CountVersions(ctx context.Context, projectID uuid.UUID) (int, error) {
	f.mu.Lock()
	stale := f.staleCounts > 0
	if stale {
		f.staleCounts--
	}
	f.mu.Unlock()
	if stale {
		return 0, nil
	}
	return f.Repository.CountVersions(ctx, projectID)
}

func (f *faultyRepo) CreateVersion(ctx context.Context, version *registry.Version) error {
	f.mu.Lock()
	var err error
	if len(f.createVersionErrs) > 0 {
		err, f.createVersionErrs = f.createVersionErrs[0], f.createVersionErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Repository.CreateVersion(ctx, version)
}

func (f *faultyRepo) ListVersions(ctx context.Context, projectID uuid.UUID) ([]*registry.Version, error) {
	versions, err := f.Repository.ListVersions(ctx, projectID)
	if err == nil && f.reverseVersions {
		slices.SortFunc(versions, func(a, b *registry.Version) int { return b.Number - a.Number })
	}
	return versions, err
}

// faultyBlobStore wraps a blob store and injects failures
type faultyBlobStore struct {
	registry.BlobStore
	uploadErr error
	block     bool
}

func (f *faultyBlobStore) UploadWithParams(ctx context.Context, r io.Reader, params registry.UploadParams) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.uploadErr != nil {
		return f.uploadErr
	}
	return f.BlobStore.UploadWithParams(ctx, r, params)
}

type failingSink struct{ calls int }

func (s *failingSink) ProjectCreated(ctx context.Context, project *registry.Project) error {
	s.calls++
	return errors.New("sink down")
}

func (s *failingSink) VersionRegistered(ctx context.Context, project *registry.Project, version *registry.Version) error {
	s.calls++
	return errors.New("sink down")
}

type fixture struct {
	svc   registry.Service
	repo  *faultyRepo
	blobs *memorystorage.Backend
}

func newFixture(t *testing.T, opts ...registry.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:  &faultyRepo{Repository: memory.New()},
		blobs: memorystorage.New(),
	}
	svc, err := registry.New(append([]registry.Option{
		registry.WithRepository(f.repo),
		registry.WithBlobStore("memory", f.blobs),
	}, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) createProject(t *testing.T, owner, name string) *registry.ProjectWithVersions {
	t.Helper()
	p, err := f.svc.CreateProject(context.Background(), registry.CreateProjectRequest{OwnerID: owner, Name: name})
	require.NoError(t, err)
	return p
}

func uploadReq(projectID uuid.UUID, owner string, data []byte) registry.RegisterUploadRequest {
	return registry.RegisterUploadRequest{
		ProjectID: projectID.String(),
		OwnerID:   owner,
		FileName:  "app.tar",
		Artifact:  data,
		EntryPath: "main.py",
		Language:  "python",
		EnvVars:   map[string]string{},
	}
}

func download(t *testing.T, svc registry.Service, projectID uuid.UUID, owner string, version int) ([]byte, *registry.Version) {
	t.Helper()
	artifact, err := svc.Download(context.Background(), registry.DownloadRequest{
		ProjectID: projectID.String(), OwnerID: owner, Version: version,
	})
	require.NoError(t, err)
	defer artifact.Body.Close()
	data, err := io.ReadAll(artifact.Body)
	require.NoError(t, err)
	return data, artifact.Version
}

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []registry.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []registry.Option{},
			expectError: true,
		},
		{
			name:    "with repository should succeed",
			options: []registry.Option{registry.WithRepository(memory.New())},
		},
		{
			name: "with repository and blob store should succeed",
			options: []registry.Option{
				registry.WithRepository(memory.New()),
				registry.WithBlobStore("memory", memorystorage.New()),
			},
		},
		{
			name: "multiple blob stores need a default",
			options: []registry.Option{
				registry.WithRepository(memory.New()),
				registry.WithBlobStore("a", memorystorage.New()),
				registry.WithBlobStore("b", memorystorage.New()),
			},
			expectError: true,
		},
		{
			name: "default backend must be registered",
			options: []registry.Option{
				registry.WithRepository(memory.New()),
				registry.WithBlobStore("a", memorystorage.New()),
				registry.WithDefaultBackend("b"),
			},
			expectError: true,
		},
		{
			name: "multiple blob stores with default",
			options: []registry.Option{
				registry.WithRepository(memory.New()),
				registry.WithBlobStore("a", memorystorage.New()),
				registry.WithBlobStore("b", memorystorage.New()),
				registry.WithDefaultBackend("b"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := registry.New(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestCreateProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.createProject(t, alice, "demo")
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, alice, p.OwnerID)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.NotNil(t, p.Versions)
	assert.Empty(t, p.Versions)

	t.Run("duplicate name for same owner", func(t *testing.T) {
		_, err := f.svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: "demo"})
		assert.ErrorIs(t, err, registry.ErrProjectExists)
		assert.Equal(t, registry.KindConflict, registry.Kind(err))
		assert.False(t, registry.IsRetryable(err))
	})

	t.Run("same name for another owner", func(t *testing.T) {
		other, err := f.svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: bob, Name: "demo"})
		require.NoError(t, err)
		assert.NotEqual(t, p.ID, other.ID)
	})

	t.Run("name is trimmed", func(t *testing.T) {
		got, err := f.svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: "  spaced  "})
		require.NoError(t, err)
		assert.Equal(t, "spaced", got.Name)
	})

	invalid := []string{"", "   ", "a/b", "..", "."}
	for _, name := range invalid {
		t.Run(fmt.Sprintf("invalid name %q", name), func(t *testing.T) {
			_, err := f.svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: name})
			assert.ErrorIs(t, err, registry.ErrInvalidInput)
		})
	}

	t.Run("missing owner", func(t *testing.T) {
		_, err := f.svc.CreateProject(ctx, registry.CreateProjectRequest{Name: "x"})
		assert.ErrorIs(t, err, registry.ErrUnauthorized)
	})
}

func TestDemoScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")
	artifact := make([]byte, 100)

	first, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, artifact))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version.Number)
	assert.Equal(t, "demo/v1/app.tar", first.Version.BlobPath)
	assert.Equal(t, "demo", first.ProjectName)
	assert.Equal(t, int64(100), first.Version.Size)
	assert.Equal(t, "python", first.Version.Language)
	assert.False(t, first.Version.HasDockerfile)
	assert.Empty(t, first.Version.EnvVars)

	second, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, artifact))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version.Number)
	assert.Equal(t, "demo/v2/app.tar", second.Version.BlobPath)

	got, err := f.svc.GetProject(ctx, registry.GetProjectRequest{ProjectID: p.ID.String(), OwnerID: alice})
	require.NoError(t, err)
	require.Len(t, got.Versions, 2)
	assert.Equal(t, 1, got.Versions[0].Number)
	assert.Equal(t, 2, got.Versions[1].Number)
}

func TestSerialUploadsAreContiguous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "serial")

	const n = 12
	for i := 1; i <= n; i++ {
		reg, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte(fmt.Sprintf("v%d", i))))
		require.NoError(t, err)
		assert.Equal(t, i, reg.Version.Number)
	}

	got, err := f.svc.GetProject(ctx, registry.GetProjectRequest{ProjectID: p.ID.String(), OwnerID: alice})
	require.NoError(t, err)
	require.Len(t, got.Versions, n)
	for i, v := range got.Versions {
		assert.Equal(t, i+1, v.Number)
	}
}

func TestVersionsOrderedRegardlessOfStoreOrder(t *testing.T) {
	f := newFixture(t)
	f.repo.reverseVersions = true
	ctx := context.Background()
	p := f.createProject(t, alice, "ordered")

	for i := 0; i < 5; i++ {
		_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte{byte(i)}))
		require.NoError(t, err)
	}

	got, err := f.svc.GetProject(ctx, registry.GetProjectRequest{ProjectID: p.ID.String(), OwnerID: alice})
	require.NoError(t, err)
	numbers := make([]int, len(got.Versions))
	for i, v := range got.Versions {
		numbers[i] = v.Number
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, numbers)

	list, err := f.svc.ListProjects(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Versions[0].Number)
	assert.Equal(t, 5, list[0].Versions[4].Number)
}

func TestListProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.ListProjects(ctx, alice)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	a := f.createProject(t, alice, "a")
	f.createProject(t, alice, "b")
	f.createProject(t, bob, "c")
	_, err = f.svc.RegisterUpload(ctx, uploadReq(a.ID, alice, []byte("x")))
	require.NoError(t, err)

	list, err := f.svc.ListProjects(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	byName := map[string]*registry.ProjectWithVersions{}
	for _, p := range list {
		assert.Equal(t, alice, p.OwnerID)
		byName[p.Name] = p
	}
	assert.Len(t, byName["a"].Versions, 1)
	assert.Empty(t, byName["b"].Versions)

	_, err = f.svc.ListProjects(ctx, "")
	assert.ErrorIs(t, err, registry.ErrUnauthorized)
}

func TestDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "roundtrip")
	payload := []byte("\x1f\x8b binary tarball bytes \x00\xff")

	req := uploadReq(p.ID, alice, payload)
	req.HasDockerfile = true
	req.EnvVars = map[string]string{"PORT": "8080", "DEBUG": "1"}
	reg, err := f.svc.RegisterUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, registry.Checksum(payload), reg.Version.Checksum)
	assert.Equal(t, registry.ChecksumAlgorithmBlake3, reg.Version.ChecksumAlgorithm)

	data, v := download(t, f.svc, p.ID, alice, 1)
	assert.Equal(t, payload, data)
	assert.Equal(t, "app.tar", v.FileName)
	assert.True(t, v.HasDockerfile)
	assert.Equal(t, map[string]string{"PORT": "8080", "DEBUG": "1"}, v.EnvVars)
	assert.Equal(t, "main.py", v.EntryPath)
}

func TestDownloadMissingVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")
	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("x")))
	require.NoError(t, err)

	for _, version := range []int{0, 2, 99} {
		_, err := f.svc.Download(ctx, registry.DownloadRequest{ProjectID: p.ID.String(), OwnerID: alice, Version: version})
		assert.ErrorIs(t, err, registry.ErrVersionNotFound, "version %d", version)
		assert.Equal(t, registry.KindNotFound, registry.Kind(err))
	}
}

func TestOwnershipIsHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "private")
	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("secret")))
	require.NoError(t, err)

	missing := uuid.New()
	for _, tc := range []struct {
		name  string
		id    uuid.UUID
		owner string
	}{
		{"other owner", p.ID, bob},
		{"missing project", missing, alice},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GetProject(ctx, registry.GetProjectRequest{ProjectID: tc.id.String(), OwnerID: tc.owner})
			assert.ErrorIs(t, err, registry.ErrProjectNotFound)

			_, err = f.svc.RegisterUpload(ctx, uploadReq(tc.id, tc.owner, []byte("x")))
			assert.ErrorIs(t, err, registry.ErrProjectNotFound)

			_, err = f.svc.Download(ctx, registry.DownloadRequest{ProjectID: tc.id.String(), OwnerID: tc.owner, Version: 1})
			assert.ErrorIs(t, err, registry.ErrProjectNotFound)
		})
	}

	// a rejected upload writes nothing
	assert.Len(t, f.blobs.Keys(), 1)
}

func TestRegisterUploadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	tests := []struct {
		name   string
		mutate func(*registry.RegisterUploadRequest)
		want   error
	}{
		{"malformed project id", func(r *registry.RegisterUploadRequest) { r.ProjectID = "not-a-uuid" }, registry.ErrInvalidInput},
		{"empty filename", func(r *registry.RegisterUploadRequest) { r.FileName = "" }, registry.ErrInvalidInput},
		{"dot filename", func(r *registry.RegisterUploadRequest) { r.FileName = ".." }, registry.ErrInvalidInput},
		{"missing owner", func(r *registry.RegisterUploadRequest) { r.OwnerID = "" }, registry.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadReq(p.ID, alice, []byte("x"))
			tt.mutate(&req)
			_, err := f.svc.RegisterUpload(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("filename reduced to base name", func(t *testing.T) {
		req := uploadReq(p.ID, alice, []byte("x"))
		req.FileName = "../../etc/app.tar"
		reg, err := f.svc.RegisterUpload(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "demo/v1/app.tar", reg.Version.BlobPath)
	})

	t.Run("language defaults to unknown", func(t *testing.T) {
		req := uploadReq(p.ID, alice, []byte("x"))
		req.Language = ""
		reg, err := f.svc.RegisterUpload(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, registry.LanguageUnknown, reg.Version.Language)
	})
}

func TestBlobFailureWritesNoMetadata(t *testing.T) {
	repo := memory.New()
	svc, err := registry.New(
		registry.WithRepository(repo),
		registry.WithBlobStore("broken", &faultyBlobStore{
			BlobStore: memorystorage.New(),
			uploadErr: fmt.Errorf("%w: disk gone", registry.ErrStoreUnavailable),
		}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: "demo"})
	require.NoError(t, err)

	_, err = svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("x")))
	require.Error(t, err)
	assert.Equal(t, registry.KindUnavailable, registry.Kind(err))
	assert.True(t, registry.IsRetryable(err))

	var storageErr *registry.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "demo/v1/app.tar", storageErr.Key)

	count, err := repo.CountVersions(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStoreTimeout(t *testing.T) {
	repo := memory.New()
	svc, err := registry.New(
		registry.WithRepository(repo),
		registry.WithBlobStore("slow", &faultyBlobStore{BlobStore: memorystorage.New(), block: true}),
		registry.WithStoreTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: "demo"})
	require.NoError(t, err)

	_, err = svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrTimeout)
	assert.Equal(t, registry.KindTimeout, registry.Kind(err))
	assert.True(t, registry.IsRetryable(err))

	count, err := repo.CountVersions(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMetadataFailureLeavesReclaimableOrphan(t *testing.T) {
	offset := time.Duration(0)
	f := newFixture(t, registry.WithClock(func() time.Time { return time.Now().Add(offset) }))
	f.repo.createVersionErrs = []error{fmt.Errorf("%w: connection reset", registry.ErrStoreUnavailable)}
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("lost")))
	require.Error(t, err)
	assert.Equal(t, registry.KindUnavailable, registry.Kind(err))
	assert.Equal(t, []string{"demo/v1/app.tar"}, f.blobs.Keys(), "orphan blob is left in place")

	// A young record-less blob may belong to an in-flight writer.
	_, err = f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("retry")))
	assert.ErrorIs(t, err, registry.ErrVersionConflict)
	assert.True(t, registry.IsRetryable(err))

	offset = registry.DefaultOrphanGracePeriod + time.Minute
	reg, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("retry")))
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Version.Number)

	data, _ := download(t, f.svc, p.ID, alice, 1)
	assert.Equal(t, "retry", string(data))
}

func TestUncommittedMetadataFailureDiscardsBlob(t *testing.T) {
	f := newFixture(t)
	f.repo.createVersionErrs = []error{
		fmt.Errorf("%w: %w: connection refused", registry.ErrStoreUnavailable, registry.ErrNotCommitted),
	}
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("lost")))
	require.Error(t, err)
	assert.Equal(t, registry.KindUnavailable, registry.Kind(err))
	assert.Empty(t, f.blobs.Keys())

	reg, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("retry")))
	require.NoError(t, err, "an immediate retry reuses the path")
	assert.Equal(t, 1, reg.Version.Number)

	data, _ := download(t, f.svc, p.ID, alice, 1)
	assert.Equal(t, "retry", string(data))
}

func TestSameProjectNameAcrossOwners(t *testing.T) {
	offset := time.Duration(0)
	f := newFixture(t, registry.WithClock(func() time.Time { return time.Now().Add(offset) }))
	ctx := context.Background()
	ap := f.createProject(t, alice, "demo")
	bp := f.createProject(t, bob, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(ap.ID, alice, []byte("alice-bytes")))
	require.NoError(t, err)

	_, err = f.svc.RegisterUpload(ctx, uploadReq(bp.ID, bob, []byte("bob-bytes")))
	assert.ErrorIs(t, err, registry.ErrBlobPathTaken)
	assert.Equal(t, registry.KindConflict, registry.Kind(err))
	assert.False(t, registry.IsRetryable(err))

	// age never makes a registered blob reclaimable
	offset = registry.DefaultOrphanGracePeriod + time.Hour
	_, err = f.svc.RegisterUpload(ctx, uploadReq(bp.ID, bob, []byte("bob-bytes")))
	assert.ErrorIs(t, err, registry.ErrBlobPathTaken)

	data, _ := download(t, f.svc, ap.ID, alice, 1)
	assert.Equal(t, "alice-bytes", string(data))

	req := uploadReq(bp.ID, bob, []byte("bob-bytes"))
	req.FileName = "bob.tar"
	reg, err := f.svc.RegisterUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Version.Number)
	assert.Equal(t, "demo/v1/bob.tar", reg.Version.BlobPath)

	data, _ = download(t, f.svc, bp.ID, bob, 1)
	assert.Equal(t, "bob-bytes", string(data))
	data, _ = download(t, f.svc, ap.ID, alice, 1)
	assert.Equal(t, "alice-bytes", string(data))
}

func TestConflictWhenVersionAlreadyRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("original")))
	require.NoError(t, err)

	// A stale count makes the next upload aim at version 1 again.
	f.repo.staleCounts = 1
	_, err = f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("intruder")))
	assert.ErrorIs(t, err, registry.ErrVersionConflict)
	assert.True(t, registry.IsRetryable(err))

	data, _ := download(t, f.svc, p.ID, alice, 1)
	assert.Equal(t, "original", string(data), "winner's bytes are never overwritten")
}

func TestConflictDiscardsOwnBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("original")))
	require.NoError(t, err)

	f.repo.staleCounts = 1
	req := uploadReq(p.ID, alice, []byte("other"))
	req.FileName = "other.tar"
	_, err = f.svc.RegisterUpload(ctx, req)
	assert.ErrorIs(t, err, registry.ErrVersionConflict)
	assert.NotContains(t, f.blobs.Keys(), "demo/v1/other.tar")
}

func TestConflictRetries(t *testing.T) {
	f := newFixture(t, registry.WithConflictRetries(2))
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("one")))
	require.NoError(t, err)

	f.repo.staleCounts = 2
	reg, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("two")))
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Version.Number)

	f.repo.staleCounts = 5
	_, err = f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("three")))
	assert.ErrorIs(t, err, registry.ErrVersionConflict, "retries are bounded")
}

func TestConcurrentUploadsNeverDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "busy")

	const n = 10
	numbers := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("artifact-%d", i))
			for attempt := 0; attempt < 1000; attempt++ {
				reg, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, payload))
				if err == nil {
					numbers[i] = reg.Version.Number
					return
				}
				if !registry.IsRetryable(err) {
					t.Errorf("upload %d: non-retryable error: %v", i, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
			t.Errorf("upload %d never completed", i)
		}(i)
	}
	wg.Wait()

	sorted := slices.Clone(numbers)
	slices.Sort(sorted)
	for i, num := range sorted {
		assert.Equal(t, i+1, num)
	}

	for i, num := range numbers {
		if num == 0 {
			continue
		}
		data, _ := download(t, f.svc, p.ID, alice, num)
		assert.Equal(t, fmt.Sprintf("artifact-%d", i), string(data), "version %d holds its own bytes", num)
	}
}

func TestEventSinkFailureDoesNotFailOperations(t *testing.T) {
	sink := &failingSink{}
	f := newFixture(t, registry.WithEventSink(sink))
	ctx := context.Background()

	p := f.createProject(t, alice, "demo")
	_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, 2, sink.calls)
}

func TestDownloadUsesRecordedBackend(t *testing.T) {
	repo := memory.New()
	oldStore := memorystorage.New()
	newStore := memorystorage.New()
	svc, err := registry.New(
		registry.WithRepository(repo),
		registry.WithBlobStore("old", oldStore),
		registry.WithBlobStore("new", newStore),
		registry.WithDefaultBackend("old"),
	)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, registry.CreateProjectRequest{OwnerID: alice, Name: "demo"})
	require.NoError(t, err)
	reg, err := svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("on old")))
	require.NoError(t, err)
	assert.Equal(t, "old", reg.Version.StorageBackend)

	backend, err := svc.GetBackend("new")
	require.NoError(t, err)
	assert.Same(t, newStore, backend)

	data, _ := download(t, svc, p.ID, alice, 1)
	assert.Equal(t, "on old", string(data))

	_, err = svc.GetBackend("missing")
	assert.ErrorIs(t, err, registry.ErrStorageBackendNotFound)
}

func TestRegisterBackendDuringUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProject(t, alice, "demo")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			f.svc.RegisterBackend(fmt.Sprintf("extra-%d", i), memorystorage.New())
		}(i)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 100; attempt++ {
				_, err := f.svc.RegisterUpload(ctx, uploadReq(p.ID, alice, []byte("x")))
				if err == nil || !registry.IsRetryable(err) {
					assert.NoError(t, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		_, err := f.svc.GetBackend(fmt.Sprintf("extra-%d", i))
		assert.NoError(t, err)
	}
	versions, err := f.repo.ListVersions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 4)
	for _, v := range versions {
		assert.Equal(t, "memory", v.StorageBackend)
	}
}
