package registry

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// MaxProjectNameLength bounds project names so blob paths stay within
// object-key limits of every backend.
const MaxProjectNameLength = 255

// BlobPath returns the deterministic storage key of a version artifact:
// <project-name>/v<number>/<filename>
func BlobPath(projectName string, number int, fileName string) string {
	return fmt.Sprintf("%s/v%d/%s", projectName, number, fileName)
}

// ParseProjectID parses a project identifier, wrapping failures in ErrInvalidInput.
func ParseProjectID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed project id %q", ErrInvalidInput, raw)
	}
	return id, nil
}

// NormalizeProjectName trims a project name and rejects names that cannot
// form a single blob path segment.
func NormalizeProjectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: project name is required", ErrInvalidInput)
	case len(name) > MaxProjectNameLength:
		return "", fmt.Errorf("%w: project name longer than %d bytes", ErrInvalidInput, MaxProjectNameLength)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: project name %q is reserved", ErrInvalidInput, name)
	case strings.ContainsAny(name, "/\\"):
		return "", fmt.Errorf("%w: project name must not contain path separators", ErrInvalidInput)
	}
	return name, nil
}

// NormalizeFileName reduces an uploaded filename to its base name.
func NormalizeFileName(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if name == "" {
		return "", fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: invalid filename %q", ErrInvalidInput, name)
	}
	return base, nil
}

// NormalizeLanguage lowercases the declared language, defaulting to unknown.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return LanguageUnknown
	}
	return lang
}

// ParseEnvVars decodes a JSON object of string values. An empty input is an
// empty mapping. Nested objects, arrays, numbers and nulls are rejected.
func ParseEnvVars(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}

	var values map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: env_vars must be a JSON object: %v", ErrInvalidInput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: env_vars has trailing data", ErrInvalidInput)
	}
	if values == nil {
		return nil, fmt.Errorf("%w: env_vars must be a JSON object", ErrInvalidInput)
	}

	env := make(map[string]string, len(values))
	for k, v := range values {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("%w: env_vars value for %q must be a string", ErrInvalidInput, k)
		}
		env[k] = s
	}
	return env, nil
}

// Checksum returns the hex blake3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
