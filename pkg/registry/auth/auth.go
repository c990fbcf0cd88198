// Package auth resolves inbound HTTP requests to the owner identifier the
// registry scopes projects by. The registry core only ever sees the
// resulting identifier as an opaque string.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/tendant/simple-registry/pkg/registry"
)

// DefaultStaticPrincipal is the identity used by the static resolver when
// none is configured.
const DefaultStaticPrincipal = "test@example.com"

// Resolver resolves request credentials to an owner identifier. Failures
// wrap registry.ErrUnauthorized, or registry.ErrStoreUnavailable when the
// identity provider could not be reached.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) Resolve(r *http.Request) (string, error) {
	return f(r)
}

// StaticResolver resolves every request to the same principal. It is meant
// for local development and tests.
type StaticResolver struct {
	Principal string
}

// NewStaticResolver creates a StaticResolver; an empty principal uses
// DefaultStaticPrincipal.
func NewStaticResolver(principal string) *StaticResolver {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		principal = DefaultStaticPrincipal
	}
	return &StaticResolver{Principal: principal}
}

func (s *StaticResolver) Resolve(r *http.Request) (string, error) {
	return s.Principal, nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores the resolved owner identifier in ctx
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFrom returns the owner identifier stored by Middleware
func PrincipalFrom(ctx context.Context) (string, bool) {
	principal, ok := ctx.Value(principalKey).(string)
	return principal, ok && principal != ""
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Middleware resolves the principal of every request and rejects requests
// that have none.
func Middleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.Resolve(r)
			if err == nil && strings.TrimSpace(principal) == "" {
				err = registry.ErrUnauthorized
			}
			if err != nil {
				if errors.Is(err, registry.ErrStoreUnavailable) {
					logger.Warn("identity provider unavailable", "path", r.URL.Path, "err", err)
					render.Status(r, http.StatusServiceUnavailable)
					render.JSON(w, r, errorBody{Error: errorDetail{
						Code:    "auth_unavailable",
						Message: "Identity provider unavailable",
					}})
					return
				}
				logger.Debug("request not authenticated", "path", r.URL.Path, "err", err)
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, errorBody{Error: errorDetail{
					Code:    "unauthorized",
					Message: "Authentication required",
				}})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), strings.TrimSpace(principal))))
		})
	}
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", registry.ErrUnauthorized, fmt.Sprintf(format, args...))
}
