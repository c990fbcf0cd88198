package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tendant/simple-registry/pkg/registry/api"
	"github.com/tendant/simple-registry/pkg/registry/auth"
	"github.com/tendant/simple-registry/pkg/registry/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	issueToken := flag.String("issue-token", "", "print a JWT for this principal and exit (AUTH_MODE=jwt)")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of tokens minted with -issue-token")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		cleanenv.FUsage(flag.CommandLine.Output(), &config.ServerConfig{}, nil)()
	}
	flag.Parse()

	cfg, err := config.Load(config.WithDotEnv(*envFile), config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL); err != nil {
			slog.Error("Failed to issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	level, _ := cfg.Level()
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func printToken(cfg *config.ServerConfig, principal string, ttl time.Duration) error {
	if cfg.Auth.Mode != config.AuthModeJWT {
		return errors.New("tokens can only be issued when AUTH_MODE=jwt")
	}
	token, err := auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret)).IssueToken(principal, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := cfg.BuildService(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer cleanup()

	resolver, err := cfg.BuildResolver()
	if err != nil {
		return fmt.Errorf("failed to build resolver: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	level, _ := cfg.Level()
	accessLogger := httplog.NewLogger("registry", httplog.Options{
		JSON:     cfg.IsProduction(),
		LogLevel: level,
		Concise:  !cfg.IsProduction(),
		Tags: map[string]string{
			"env": cfg.Environment,
		},
		QuietDownRoutes: []string{"/healthz", "/healthz/ready", "/metrics"},
		QuietDownPeriod: 10 * time.Second,
	})

	handler := api.NewHandler(svc,
		api.WithLogger(logger),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
		api.WithMetrics(reg),
	)
	router := api.NewRouter(api.RouterConfig{
		Handler:      handler,
		Resolver:     resolver,
		Logger:       logger,
		AccessLogger: accessLogger,
		CORSOrigins:  cfg.CORSOrigins,
		GitHub:       cfg.BuildGitHubCallback(logger),
		Metrics:      reg,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		storage, _ := cfg.Storage()
		dbType, _ := cfg.DatabaseType()
		logger.Info("Registry server starting",
			"port", cfg.Port,
			"env", cfg.Environment,
			"database", dbType,
			"storage", storage.Type,
			"auth", cfg.Auth.Mode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exiting")
	return nil
}
