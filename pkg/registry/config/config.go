// Package config loads server configuration from the environment and wires
// the registry service, its stores and the principal resolver.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Auth modes
const (
	AuthModeStatic = "static"
	AuthModeJWT    = "jwt"
	AuthModeGitHub = "github"
)

// Metadata store types
const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
	DatabaseRedis    = "redis"
)

// ServerConfig represents configuration for the registry server
type ServerConfig struct {
	Port        string `env:"PORT" env-description:"HTTP listen port"`
	Environment string `env:"ENVIRONMENT" env-description:"development, production or testing"`
	LogLevel    string `env:"LOG_LEVEL" env-description:"debug, info, warn or error"`

	// Metadata store
	DatabaseURL    string `env:"DATABASE_URL" env-description:"memory, postgres://... or redis://..."`
	DBSchema       string `env:"DB_SCHEMA" env-description:"Postgres schema"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-description:"Prefix for redis keys"`

	// Blob store
	StorageURL string `env:"STORAGE_URL" env-description:"memory://, file:///dir, s3://bucket or gs://bucket"`
	S3         S3Config
	GCS        GCSConfig

	// Registrar
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" env-description:"Bound on each store call"`
	OrphanGracePeriod time.Duration `env:"ORPHAN_GRACE_PERIOD" env-description:"Age after which an unreferenced blob is reclaimed"`
	ConflictRetries   int           `env:"CONFLICT_RETRIES" env-description:"Server-side retries of a conflicting upload"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES" env-description:"Upload body limit"`

	Auth AuthConfig

	EventSinkURL string   `env:"EVENT_SINK_URL" env-description:"CloudEvents receiver; empty logs events"`
	CORSOrigins  []string `env:"CORS_ORIGINS" env-separator:"," env-description:"Allowed CORS origins"`
}

// S3Config holds S3 settings used when STORAGE_URL is s3://
type S3Config struct {
	Region          string `env:"AWS_REGION"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"S3_ENDPOINT"`
	UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"`
	EnableSSE       bool   `env:"S3_ENABLE_SSE"`
	SSEAlgorithm    string `env:"S3_SSE_ALGORITHM"`
	SSEKMSKeyID     string `env:"S3_SSE_KMS_KEY_ID"`
	CreateBucket    bool   `env:"S3_CREATE_BUCKET"`
}

// GCSConfig holds GCS settings used when STORAGE_URL is gs://
type GCSConfig struct {
	CredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
	Endpoint        string `env:"GCS_ENDPOINT"`
}

// AuthConfig selects how requests are mapped to a principal
type AuthConfig struct {
	Mode               string `env:"AUTH_MODE" env-description:"static, jwt or github"`
	StaticPrincipal    string `env:"AUTH_STATIC_PRINCIPAL"`
	JWTSecret          string `env:"JWT_SECRET"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`
	GitHubAPIURL       string `env:"GITHUB_API_URL"`
}

// StorageTarget is the parsed form of STORAGE_URL
type StorageTarget struct {
	Type   string // memory, fs, s3, gcs
	Path   string // fs base directory
	Bucket string
	Prefix string
	Query  url.Values
}

// Load constructs a ServerConfig by applying the supplied options on top of defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:              "8000",
		Environment:       "development",
		LogLevel:          "info",
		DatabaseURL:       DatabaseMemory,
		DBSchema:          "registry",
		StorageURL:        "memory://",
		StoreTimeout:      30 * time.Second,
		OrphanGracePeriod: registry.DefaultOrphanGracePeriod,
		MaxUploadBytes:    100 << 20,
		S3: S3Config{
			Region:       "us-east-1",
			SSEAlgorithm: "AES256",
		},
		Auth: AuthConfig{
			Mode:            AuthModeStatic,
			StaticPrincipal: "test@example.com",
		},
	}
}

// WithEnv overlays environment variables onto the configuration.
// Unset variables keep their current values.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return nil
	}
}

// WithDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
// Apply it before WithEnv.
func WithDotEnv(paths ...string) Option {
	return func(c *ServerConfig) error {
		if len(paths) == 0 {
			paths = []string{".env"}
		}
		for _, p := range paths {
			if err := godotenv.Load(p); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return fmt.Errorf("failed to load %s: %w", p, err)
			}
		}
		return nil
	}
}

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabaseURL sets the metadata store connection string
func WithDatabaseURL(dsn string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseURL = dsn
		return nil
	}
}

// WithStorageURL sets the blob store location
func WithStorageURL(u string) Option {
	return func(c *ServerConfig) error {
		c.StorageURL = u
		return nil
	}
}

// WithAuthMode selects the principal resolver
func WithAuthMode(mode string) Option {
	return func(c *ServerConfig) error {
		c.Auth.Mode = mode
		return nil
	}
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.DatabaseType(); err != nil {
		return err
	}
	if _, err := c.Storage(); err != nil {
		return err
	}
	if c.StoreTimeout < 0 {
		return errors.New("store timeout must not be negative")
	}
	if c.OrphanGracePeriod <= 0 {
		return errors.New("orphan grace period must be positive")
	}
	if c.ConflictRetries < 0 {
		return errors.New("conflict retries must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}

	switch c.Auth.Mode {
	case AuthModeStatic:
		if c.IsProduction() {
			return errors.New("static auth mode is not allowed in production")
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return errors.New("jwt_secret is required when auth mode is jwt")
		}
	case AuthModeGitHub:
	default:
		return fmt.Errorf("unsupported auth mode: %q (use 'static', 'jwt' or 'github')", c.Auth.Mode)
	}
	if c.Auth.GitHubClientID != "" && c.Auth.GitHubClientSecret == "" {
		return errors.New("github client secret is required when a client id is set")
	}

	return nil
}

// IsProduction reports whether the server runs in production
func (c *ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Level parses LogLevel
func (c *ServerConfig) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// DatabaseType derives the metadata store type from DatabaseURL
func (c *ServerConfig) DatabaseType() (string, error) {
	dsn := strings.TrimSpace(c.DatabaseURL)
	switch {
	case dsn == "" || dsn == DatabaseMemory:
		return DatabaseMemory, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DatabasePostgres, nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return DatabaseRedis, nil
	}
	return "", fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgres://...' or 'redis://...')", redact(dsn))
}

// Storage parses StorageURL
func (c *ServerConfig) Storage() (StorageTarget, error) {
	raw := strings.TrimSpace(c.StorageURL)
	if raw == "" || raw == "memory" || raw == "memory://" {
		return StorageTarget{Type: "memory"}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return StorageTarget{}, fmt.Errorf("invalid STORAGE_URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		dir := u.Host + u.Path
		if dir == "" {
			return StorageTarget{}, errors.New("filesystem path cannot be empty in STORAGE_URL")
		}
		return StorageTarget{Type: "fs", Path: dir}, nil
	case "s3", "gs":
		if u.Host == "" {
			return StorageTarget{}, fmt.Errorf("bucket name cannot be empty in STORAGE_URL")
		}
		t := StorageTarget{
			Type:   "s3",
			Bucket: u.Host,
			Prefix: strings.Trim(u.Path, "/"),
			Query:  u.Query(),
		}
		if u.Scheme == "gs" {
			t.Type = "gcs"
		}
		return t, nil
	}
	return StorageTarget{}, fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', 's3://...' or 'gs://...')", raw)
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
