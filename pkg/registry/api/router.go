package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-registry/pkg/registry/auth"
)

// RouterConfig assembles the full HTTP surface
type RouterConfig struct {
	Handler  *Handler
	Resolver auth.Resolver
	Logger   *slog.Logger

	// AccessLogger enables structured access logs when set
	AccessLogger *httplog.Logger

	// CORSOrigins lists allowed origins; empty disables CORS headers
	CORSOrigins []string

	// GitHub serves /login and /callback when set
	GitHub *auth.GitHubCallback

	// Metrics serves /metrics when set
	Metrics *prometheus.Registry
}

// NewRouter builds the server router: health and metrics endpoints, the
// OAuth flow and the authenticated /projects API.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if cfg.AccessLogger != nil {
		r.Use(httplog.RequestLogger(cfg.AccessLogger, []string{"/healthz", "/healthz/ready", "/metrics"}))
	} else {
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
	}
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Content-Disposition", "X-Version", "X-Checksum-Blake3"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	if cfg.GitHub != nil {
		r.Get("/login", cfg.GitHub.Login)
		r.Get("/callback", cfg.GitHub.Callback)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Resolver, cfg.Logger))
		r.Mount("/projects", cfg.Handler.Routes())
	})

	return r
}
