package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Backend is a filesystem implementation of the registry.BlobStore interface
type Backend struct {
	baseDir string
}

// Config names the directory that blob paths are resolved against
type Config struct {
	BaseDir string
}

// New creates BaseDir when missing and returns a store rooted there
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{baseDir: baseDir}, nil
}

// path maps an object key to a file under baseDir, rejecting keys that escape it.
func (b *Backend) path(objectKey string) (string, error) {
	p := filepath.Join(b.baseDir, filepath.FromSlash(objectKey))
	rel, err := filepath.Rel(b.baseDir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: object key %q escapes base directory", registry.ErrInvalidInput, objectKey)
	}
	return p, nil
}

// GetObjectMeta stats the artifact file at objectKey
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*registry.ObjectMeta, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, registry.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	// Detect content type
	contentType := "application/octet-stream"
	if file, err := os.Open(filePath); err == nil {
		defer file.Close()
		buffer := make([]byte, 512)
		if n, err := file.Read(buffer); err == nil {
			contentType = http.DetectContentType(buffer[:n])
		}
	}

	return &registry.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
		Metadata:    map[string]string{"content_type": contentType},
	}, nil
}

// Upload replaces the file at objectKey
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, registry.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams writes to a temporary file and then publishes it. Create-only
// uploads publish with a hard link, which fails atomically when the key exists.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params registry.UploadParams) error {
	filePath, err := b.path(params.ObjectKey)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if params.CreateOnly {
		if _, err := os.Lstat(filePath); err == nil {
			return registry.ErrBlobExists
		}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if params.CreateOnly {
		if err := os.Link(tmpName, filePath); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return registry.ErrBlobExists
			}
			return fmt.Errorf("failed to publish file: %w", err)
		}
		return nil
	}

	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("failed to publish file: %w", err)
	}
	return nil
}

// Download opens the artifact file for reading
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, registry.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", objectKey, err)
	}

	return file, nil
}

// Delete removes a blob and prunes the version directories left empty
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath, err := b.path(objectKey)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return registry.ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete blob %s: %w", objectKey, err)
	}

	b.pruneEmptyDirs(filepath.Dir(filePath))
	return nil
}

// pruneEmptyDirs walks up from dir removing empty directories, stopping at baseDir
func (b *Backend) pruneEmptyDirs(dir string) {
	if dir == b.baseDir {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.pruneEmptyDirs(filepath.Dir(dir))
		}
	}
}
