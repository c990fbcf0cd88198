package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/auth"
	"github.com/tendant/simple-registry/pkg/registry/events"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
	repopg "github.com/tendant/simple-registry/pkg/registry/repo/postgres"
	reporedis "github.com/tendant/simple-registry/pkg/registry/repo/redis"
	fsstorage "github.com/tendant/simple-registry/pkg/registry/storage/fs"
	gcsstorage "github.com/tendant/simple-registry/pkg/registry/storage/gcs"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	s3storage "github.com/tendant/simple-registry/pkg/registry/storage/s3"
)

const pingTimeout = 5 * time.Second

// BuildService creates a Service from the configuration. The returned
// cleanup func releases store connections and is never nil.
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (registry.Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	cleanup := func() {}

	repo, closeRepo, err := c.buildRepository(ctx)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to build repository: %w", err)
	}
	cleanup = closeRepo

	backend, store, err := c.buildBlobStore(ctx)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to build storage backend: %w", err)
	}

	sink, err := c.buildEventSink(logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	svc, err := registry.New(
		registry.WithRepository(repo),
		registry.WithBlobStore(backend, store),
		registry.WithDefaultBackend(backend),
		registry.WithEventSink(sink),
		registry.WithLogger(logger),
		registry.WithStoreTimeout(c.StoreTimeout),
		registry.WithOrphanGracePeriod(c.OrphanGracePeriod),
		registry.WithConflictRetries(c.ConflictRetries),
	)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return svc, cleanup, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context) (registry.Repository, func(), error) {
	dbType, err := c.DatabaseType()
	if err != nil {
		return nil, nil, err
	}

	switch dbType {
	case DatabasePostgres:
		pool, err := c.openPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		repo := repopg.NewWithPool(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return repo, pool.Close, nil

	case DatabaseRedis:
		opts, err := redis.ParseURL(c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		var repoOpts []reporedis.Option
		if c.RedisKeyPrefix != "" {
			repoOpts = append(repoOpts, reporedis.WithKeyPrefix(c.RedisKeyPrefix))
		}
		return reporedis.New(client, repoOpts...), func() { client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// openPostgres connects with search_path pinned to DBSchema, creating the
// schema when missing.
func (c *ServerConfig) openPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	schema := pgx.Identifier{c.DBSchema}.Sanitize()
	if c.DBSchema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+schema)
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if c.DBSchema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema %s: %w", c.DBSchema, err)
		}
	}
	return pool, nil
}

// buildBlobStore creates the BlobStore named by StorageURL
func (c *ServerConfig) buildBlobStore(ctx context.Context) (string, registry.BlobStore, error) {
	target, err := c.Storage()
	if err != nil {
		return "", nil, err
	}

	switch target.Type {
	case "fs":
		store, err := fsstorage.New(fsstorage.Config{BaseDir: target.Path})
		return "fs", store, err

	case "s3":
		cfg := s3storage.Config{
			Region:                 firstNonEmpty(target.Query.Get("region"), c.S3.Region),
			Bucket:                 target.Bucket,
			Prefix:                 target.Prefix,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               firstNonEmpty(target.Query.Get("endpoint"), c.S3.Endpoint),
			UsePathStyle:           c.S3.UsePathStyle,
			EnableSSE:              c.S3.EnableSSE,
			SSEAlgorithm:           c.S3.SSEAlgorithm,
			SSEKMSKeyID:            c.S3.SSEKMSKeyID,
			CreateBucketIfNotExist: c.S3.CreateBucket,
		}
		if raw := target.Query.Get("path_style"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return "", nil, fmt.Errorf("invalid path_style in STORAGE_URL: %w", err)
			}
			cfg.UsePathStyle = v
		}
		store, err := s3storage.New(cfg)
		return "s3", store, err

	case "gcs":
		store, err := gcsstorage.New(ctx, gcsstorage.Config{
			Bucket:          target.Bucket,
			Prefix:          target.Prefix,
			CredentialsFile: c.GCS.CredentialsFile,
			Endpoint:        firstNonEmpty(target.Query.Get("endpoint"), c.GCS.Endpoint),
		})
		return "gcs", store, err

	default:
		return "memory", memorystorage.New(), nil
	}
}

func (c *ServerConfig) buildEventSink(logger *slog.Logger) (registry.EventSink, error) {
	if c.EventSinkURL == "" {
		return events.NewLogSink(logger), nil
	}
	sink, err := events.NewCloudEventSink(c.EventSinkURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build event sink: %w", err)
	}
	return sink, nil
}

// BuildResolver creates the principal resolver selected by Auth.Mode
func (c *ServerConfig) BuildResolver() (auth.Resolver, error) {
	switch c.Auth.Mode {
	case AuthModeStatic:
		return auth.NewStaticResolver(c.Auth.StaticPrincipal), nil
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return nil, errors.New("jwt_secret is required")
		}
		return auth.NewJWTResolver([]byte(c.Auth.JWTSecret)), nil
	case AuthModeGitHub:
		var opts []auth.GitHubOption
		if c.Auth.GitHubAPIURL != "" {
			opts = append(opts, auth.WithGitHubAPIURL(c.Auth.GitHubAPIURL))
		}
		return auth.NewGitHubResolver(opts...), nil
	}
	return nil, fmt.Errorf("unsupported auth mode: %q", c.Auth.Mode)
}

// BuildGitHubCallback returns the OAuth login flow, or nil when no GitHub
// client is configured.
func (c *ServerConfig) BuildGitHubCallback(logger *slog.Logger) *auth.GitHubCallback {
	if c.Auth.GitHubClientID == "" {
		return nil
	}
	oauthCfg := auth.NewGitHubOAuthConfig(c.Auth.GitHubClientID, c.Auth.GitHubClientSecret, c.Auth.GitHubRedirectURL)
	return auth.NewGitHubCallback(oauthCfg, logger)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
