package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

const artifactMimeType = "application/x-tar"

// RegisterUpload stores a new artifact version. The blob is written before
// the version record, so a failure never leaves a record pointing at
// missing bytes.
func (s *service) RegisterUpload(ctx context.Context, req RegisterUploadRequest) (*Registration, error) {
	projectID, err := ParseProjectID(req.ProjectID)
	if err != nil {
		return nil, err
	}
	fileName, err := NormalizeFileName(req.FileName)
	if err != nil {
		return nil, err
	}
	backendName, backend, err := s.writeBackend()
	if err != nil {
		return nil, err
	}

	project, err := s.ownedProject(ctx, projectID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(req.EnvVars))
	maps.Copy(env, req.EnvVars)

	draft := &Version{
		ProjectID:         project.ID,
		FileName:          fileName,
		StorageBackend:    backendName,
		Size:              int64(len(req.Artifact)),
		EntryPath:         strings.TrimSpace(req.EntryPath),
		Language:          NormalizeLanguage(req.Language),
		HasDockerfile:     req.HasDockerfile,
		EnvVars:           env,
		Checksum:          Checksum(req.Artifact),
		ChecksumAlgorithm: ChecksumAlgorithmBlake3,
	}

	var lastErr error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		version, err := s.registerOnce(ctx, project, backend, draft, req.Artifact)
		if err == nil {
			if err := s.eventSink.VersionRegistered(ctx, project, version); err != nil {
				s.logger.Warn("event sink failed", "event", "version_registered",
					"project_id", project.ID, "version", version.Number, "err", err)
			}
			return &Registration{Version: version, ProjectName: project.Name}, nil
		}
		if !errors.Is(err, ErrVersionConflict) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("version number taken, retrying", "project_id", project.ID, "attempt", attempt+1)
	}
	return nil, lastErr
}

// registerOnce assigns the next version number and commits blob then record.
func (s *service) registerOnce(ctx context.Context, project *Project, backend BlobStore, draft *Version, artifact []byte) (*Version, error) {
	var count int
	err := s.callStore(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.repository.CountVersions(ctx, project.ID)
		return err
	})
	if err != nil {
		return nil, &ProjectError{ProjectID: project.ID.String(), Op: "count_versions", Err: err}
	}

	version := *draft
	version.ID = uuid.New()
	version.Number = count + 1
	version.BlobPath = BlobPath(project.Name, version.Number, version.FileName)

	if err := s.writeBlob(ctx, project, backend, &version, artifact); err != nil {
		return nil, err
	}

	version.UploadedAt = s.now().UTC()
	err = s.callStore(ctx, func(ctx context.Context) error {
		return s.repository.CreateVersion(ctx, &version)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotCommitted):
			// The insert definitely failed, so the blob is ours unless a
			// record elsewhere claims the path.
			s.discardBlob(ctx, backend, &version)
		case errors.Is(err, ErrBlobPathTaken):
			// The holder owns the bytes now. Within one project that can
			// only be a concurrent writer of the same number.
			if holder, herr := s.pathHolder(ctx, &version); herr == nil && holder.ProjectID == project.ID {
				err = fmt.Errorf("%w: version %d already stores %s", ErrVersionConflict, holder.Number, version.BlobPath)
			}
		default:
			s.logger.Warn("version record not written, blob left for reclamation",
				"project_id", project.ID, "version", version.Number, "key", version.BlobPath, "err", err)
		}
		return nil, &VersionError{ProjectID: project.ID.String(), Version: version.Number, Op: "create", Err: err}
	}

	return &version, nil
}

// writeBlob uploads create-only. An existing object at the path is a
// committed version (of this or another project), a concurrent writer, or an
// orphan older than the grace period. Only orphans referenced by no version
// record are replaced.
func (s *service) writeBlob(ctx context.Context, project *Project, backend BlobStore, version *Version, artifact []byte) error {
	err := s.uploadCreateOnly(ctx, backend, version.BlobPath, artifact)
	if !errors.Is(err, ErrBlobExists) {
		return s.blobErr(version, "upload", err)
	}

	holder, err := s.pathHolder(ctx, version)
	switch {
	case err == nil && holder.ProjectID == project.ID:
		return &VersionError{ProjectID: project.ID.String(), Version: version.Number, Op: "upload", Err: ErrVersionConflict}
	case err == nil:
		// Project names are unique per owner only, so another owner's
		// project of the same name can hold this path.
		return &VersionError{
			ProjectID: project.ID.String(),
			Version:   version.Number,
			Op:        "upload",
			Err:       fmt.Errorf("%w: %s", ErrBlobPathTaken, version.BlobPath),
		}
	case !errors.Is(err, ErrVersionNotFound):
		return &VersionError{ProjectID: project.ID.String(), Version: version.Number, Op: "upload", Err: err}
	}

	var meta *ObjectMeta
	err = s.callStore(ctx, func(ctx context.Context) error {
		var err error
		meta, err = backend.GetObjectMeta(ctx, version.BlobPath)
		return err
	})
	switch {
	case errors.Is(err, ErrBlobNotFound):
		// removed between the two calls
		return s.blobErr(version, "upload", s.uploadCreateOnly(ctx, backend, version.BlobPath, artifact))
	case err != nil:
		return s.blobErr(version, "get_meta", err)
	}

	if age := s.now().Sub(meta.UpdatedAt); age < s.orphanGracePeriod {
		return &VersionError{
			ProjectID: project.ID.String(),
			Version:   version.Number,
			Op:        "upload",
			Err:       fmt.Errorf("%w: blob %s written %s ago without a record", ErrVersionConflict, version.BlobPath, age.Round(time.Millisecond)),
		}
	}

	s.logger.Info("reclaiming orphan blob", "project_id", project.ID, "version", version.Number,
		"key", version.BlobPath, "updated_at", meta.UpdatedAt)
	err = s.callStore(ctx, func(ctx context.Context) error {
		return backend.Delete(ctx, version.BlobPath)
	})
	if err != nil && !errors.Is(err, ErrBlobNotFound) {
		return s.blobErr(version, "delete", err)
	}

	return s.blobErr(version, "upload", s.uploadCreateOnly(ctx, backend, version.BlobPath, artifact))
}

func (s *service) uploadCreateOnly(ctx context.Context, backend BlobStore, key string, artifact []byte) error {
	return s.callStore(ctx, func(ctx context.Context) error {
		return backend.UploadWithParams(ctx, bytes.NewReader(artifact), UploadParams{
			ObjectKey:  key,
			MimeType:   artifactMimeType,
			CreateOnly: true,
		})
	})
}

// blobErr wraps a blob failure. A key that is still taken after
// reclamation means another writer got there first.
func (s *service) blobErr(version *Version, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBlobExists) {
		err = fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	return &StorageError{Backend: version.StorageBackend, Key: version.BlobPath, Op: op, Err: err}
}

// pathHolder returns the version record referencing version's blob path
func (s *service) pathHolder(ctx context.Context, version *Version) (*Version, error) {
	var holder *Version
	err := s.callStore(ctx, func(ctx context.Context) error {
		var err error
		holder, err = s.repository.GetVersionByBlobPath(ctx, version.StorageBackend, version.BlobPath)
		return err
	})
	return holder, err
}

// discardBlob removes a blob we wrote but could not register. It runs even
// when ctx is already done, and keeps the blob when any record references
// the path or the lookup fails.
func (s *service) discardBlob(ctx context.Context, backend BlobStore, version *Version) {
	timeout := s.storeTimeout
	if timeout <= 0 {
		timeout = cleanupTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	holder, err := s.repository.GetVersionByBlobPath(cctx, version.StorageBackend, version.BlobPath)
	switch {
	case err == nil:
		s.logger.Debug("blob path registered by another version, keeping blob",
			"key", version.BlobPath, "holder_project_id", holder.ProjectID, "holder_version", holder.Number)
		return
	case !errors.Is(err, ErrVersionNotFound):
		s.logger.Warn("failed to check blob path before discarding, blob left for reclamation",
			"key", version.BlobPath, "err", err)
		return
	}

	if err := backend.Delete(cctx, version.BlobPath); err != nil && !errors.Is(err, ErrBlobNotFound) {
		s.logger.Warn("failed to discard unregistered blob", "key", version.BlobPath, "err", err)
	}
}
