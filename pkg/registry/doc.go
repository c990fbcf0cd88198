// Package registry provides a project/version registry for uploaded artifacts
// with pluggable metadata repositories and blob storage backends.
//
// It exposes a single Service interface that covers project creation,
// owner-scoped queries, artifact registration and artifact download.
// Implementations of repositories (memory, Postgres, Redis) and blob stores
// (memory, filesystem, S3, GCS) are provided under subpackages.
//
// Consistency Contract
//
// Registration writes the artifact blob first and the Version record second.
// A failed blob write never leaves a Version record behind. A failed metadata
// write may leave an orphan blob, which a later registration of the same
// version number reclaims once it is older than the orphan grace period.
// Version numbers are assigned as the count of existing versions plus one and
// every repository enforces uniqueness of (project, version number), so a
// concurrent registration that loses the race fails with ErrVersionConflict
// instead of producing a duplicate.
package registry
