package registry_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
)

func TestBlobPath(t *testing.T) {
	assert.Equal(t, "demo/v1/app.tar", registry.BlobPath("demo", 1, "app.tar"))
	assert.Equal(t, "my project/v42/bundle.tar.gz", registry.BlobPath("my project", 42, "bundle.tar.gz"))
}

func TestParseProjectID(t *testing.T) {
	id, err := registry.ParseProjectID(" 6ba7b810-9dad-11d1-80b4-00c04fd430c8 ")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", id.String())

	for _, raw := range []string{"", "abc", "6ba7b810-9dad-11d1-80b4"} {
		_, err := registry.ParseProjectID(raw)
		assert.ErrorIs(t, err, registry.ErrInvalidInput, "input %q", raw)
	}
}

func TestNormalizeProjectName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "demo", want: "demo"},
		{in: "  demo  ", want: "demo"},
		{in: "my-app_2", want: "my-app_2"},
		{in: strings.Repeat("a", registry.MaxProjectNameLength), want: strings.Repeat("a", registry.MaxProjectNameLength)},
		{in: strings.Repeat("a", registry.MaxProjectNameLength+1), wantErr: true},
		{in: "", wantErr: true},
		{in: "\t", wantErr: true},
		{in: ".", wantErr: true},
		{in: "..", wantErr: true},
		{in: "a/b", wantErr: true},
		{in: `a\b`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := registry.NormalizeProjectName(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, registry.ErrInvalidInput, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalizeFileName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "app.tar", want: "app.tar"},
		{in: "dist/app.tar.gz", want: "app.tar.gz"},
		{in: `C:\build\app.tar`, want: "app.tar"},
		{in: "../../app.tar", want: "app.tar"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
		{in: "/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := registry.NormalizeFileName(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, registry.ErrInvalidInput, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "python", registry.NormalizeLanguage(" Python "))
	assert.Equal(t, registry.LanguageUnknown, registry.NormalizeLanguage(""))
}

func TestParseEnvVars(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]string{}},
		{name: "blank", raw: "   ", want: map[string]string{}},
		{name: "empty object", raw: "{}", want: map[string]string{}},
		{name: "values", raw: `{"PORT":"8080","DEBUG":""}`, want: map[string]string{"PORT": "8080", "DEBUG": ""}},
		{name: "number value", raw: `{"PORT":8080}`, wantErr: true},
		{name: "nested object", raw: `{"A":{"B":"c"}}`, wantErr: true},
		{name: "null value", raw: `{"A":null}`, wantErr: true},
		{name: "array", raw: `["A"]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "not json", raw: `PORT=8080`, wantErr: true},
		{name: "trailing data", raw: `{"A":"b"} {"C":"d"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.ParseEnvVars(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, registry.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksum(t *testing.T) {
	a := registry.Checksum([]byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, registry.Checksum([]byte("hello")))
	assert.NotEqual(t, a, registry.Checksum([]byte("hello!")))
}
