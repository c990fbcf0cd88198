// Package tarball packs a project directory into a gzip-compressed tar
// archive and inspects it for deployment metadata.
package tarball

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultExcludes are skipped regardless of .gitignore
var DefaultExcludes = []string{"node_modules", "venv", ".venv", "__pycache__", ".git"}

// Languages reported by DetectLanguage
const (
	LanguageTypeScript = "typescript"
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
	LanguageUnknown    = "unknown"
)

// Summary describes a packed archive
type Summary struct {
	Files int
	Bytes int64 // uncompressed file bytes
}

// Option configures Pack
type Option func(*packer)

type packer struct {
	excludes     []string
	useGitignore bool
	level        int
}

// WithExcludes adds gitignore-style patterns to skip
func WithExcludes(patterns ...string) Option {
	return func(p *packer) {
		p.excludes = append(p.excludes, patterns...)
	}
}

// WithoutGitignore ignores the directory's .gitignore
func WithoutGitignore() Option {
	return func(p *packer) {
		p.useGitignore = false
	}
}

// WithCompressionLevel sets the gzip level
func WithCompressionLevel(level int) Option {
	return func(p *packer) {
		p.level = level
	}
}

// Pack writes dir as a tar.gz stream to w. Paths inside the archive are
// relative to dir and use forward slashes. Symlinks and special files are
// skipped.
func Pack(ctx context.Context, dir string, w io.Writer, opts ...Option) (*Summary, error) {
	p := &packer{
		excludes:     append([]string(nil), DefaultExcludes...),
		useGitignore: true,
		level:        gzip.DefaultCompression,
	}
	for _, opt := range opts {
		opt(p)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matcher, err := p.matcher(dir)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewWriterLevel(w, p.level)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)
	summary := &Summary{}

	err = filepath.WalkDir(dir, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, fpath)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.MatchesPath(rel) || matcher.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
		} else if matcher.MatchesPath(rel) {
			return nil
		}

		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(fpath)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		summary.Files++
		summary.Bytes += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *packer) matcher(dir string) (*ignore.GitIgnore, error) {
	if !p.useGitignore {
		return ignore.CompileIgnoreLines(p.excludes...), nil
	}
	gi, err := ignore.CompileIgnoreFileAndLines(filepath.Join(dir, ".gitignore"), p.excludes...)
	if errors.Is(err, fs.ErrNotExist) {
		return ignore.CompileIgnoreLines(p.excludes...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read .gitignore: %w", err)
	}
	return gi, nil
}

// List returns the names of the entries in a tar.gz stream
func List(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, hdr.Name)
	}
}

// Extract unpacks a tar.gz stream into dest. Entries escaping dest are
// rejected.
func Extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := path.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("illegal path in archive: %s", hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectLanguage guesses the project language from manifest files in dir
func DetectLanguage(dir string) string {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg packageJSON
		if json.Unmarshal(data, &pkg) == nil {
			if _, ok := pkg.DevDependencies["typescript"]; ok {
				return LanguageTypeScript
			}
			if _, ok := pkg.Dependencies["typescript"]; ok {
				return LanguageTypeScript
			}
		}
		return LanguageJavaScript
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		return LanguagePython
	}
	return LanguageUnknown
}

// HasDockerfile reports whether dir contains a Dockerfile
func HasDockerfile(dir string) bool {
	return fileExists(filepath.Join(dir, "Dockerfile"))
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
