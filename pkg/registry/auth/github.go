package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-registry/pkg/registry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// DefaultGitHubAPIURL is the GitHub REST API base
const DefaultGitHubAPIURL = "https://api.github.com"

// DefaultGitHubCacheTTL is how long a resolved token is trusted without
// asking GitHub again.
const DefaultGitHubCacheTTL = 5 * time.Minute

const maxCachedTokens = 1024

// GitHubEmail is one entry of GET /user/emails
type GitHubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// PrimaryEmail returns the primary verified address, if any
func PrimaryEmail(emails []GitHubEmail) (string, bool) {
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return e.Email, true
		}
	}
	return "", false
}

type cachedPrincipal struct {
	email   string
	expires time.Time
}

// GitHubResolver resolves a GitHub OAuth access token to the account's
// primary verified email.
type GitHubResolver struct {
	apiURL     string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrincipal
}

// GitHubOption configures a GitHubResolver
type GitHubOption func(*GitHubResolver)

// WithGitHubAPIURL overrides the API base, e.g. for GitHub Enterprise
func WithGitHubAPIURL(url string) GitHubOption {
	return func(g *GitHubResolver) {
		g.apiURL = strings.TrimRight(url, "/")
	}
}

// WithGitHubHTTPClient sets the base client the oauth2 transport wraps
func WithGitHubHTTPClient(client *http.Client) GitHubOption {
	return func(g *GitHubResolver) {
		g.httpClient = client
	}
}

// WithGitHubCacheTTL sets how long resolved tokens are cached; zero disables caching
func WithGitHubCacheTTL(ttl time.Duration) GitHubOption {
	return func(g *GitHubResolver) {
		g.ttl = ttl
	}
}

// NewGitHubResolver creates a GitHubResolver
func NewGitHubResolver(opts ...GitHubOption) *GitHubResolver {
	g := &GitHubResolver{
		apiURL: DefaultGitHubAPIURL,
		ttl:    DefaultGitHubCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedPrincipal),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitHubResolver) Resolve(r *http.Request) (string, error) {
	token := jwtauth.TokenFromHeader(r)
	if token == "" {
		return "", unauthorized("no bearer token")
	}
	return g.Lookup(r.Context(), token)
}

// Lookup returns the primary verified email of the GitHub account owning token
func (g *GitHubResolver) Lookup(ctx context.Context, token string) (string, error) {
	key := registry.Checksum([]byte(token))
	if email, ok := g.cached(key); ok {
		return email, nil
	}

	emails, err := g.fetchEmails(ctx, token)
	if err != nil {
		return "", err
	}
	email, ok := PrimaryEmail(emails)
	if !ok {
		return "", unauthorized("github account has no primary verified email")
	}

	g.store(key, email)
	return email, nil
}

func (g *GitHubResolver) fetchEmails(ctx context.Context, token string) ([]GitHubEmail, error) {
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"/user/emails", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: github: %v", registry.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, unauthorized("github rejected token (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: github returned status %d", registry.ErrStoreUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, unauthorized("github returned status %d", resp.StatusCode)
	}

	var emails []GitHubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return nil, fmt.Errorf("failed to decode github emails: %w", err)
	}
	return emails, nil
}

func (g *GitHubResolver) cached(key string) (string, bool) {
	if g.ttl <= 0 {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[key]
	if !ok {
		return "", false
	}
	if g.now().After(entry.expires) {
		delete(g.cache, key)
		return "", false
	}
	return entry.email, true
}

func (g *GitHubResolver) store(key, email string) {
	if g.ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if len(g.cache) >= maxCachedTokens {
		for k, entry := range g.cache {
			if now.After(entry.expires) {
				delete(g.cache, k)
			}
		}
		if len(g.cache) >= maxCachedTokens {
			clear(g.cache)
		}
	}
	g.cache[key] = cachedPrincipal{email: email, expires: now.Add(g.ttl)}
}

// NewGitHubOAuthConfig returns the oauth2 configuration of the login flow
func NewGitHubOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     github.Endpoint,
		Scopes:       []string{"user:email"},
	}
}

var tokenPage = template.Must(template.New("token").Parse(`<html>
	<head>
		<title>Authentication Successful</title>
		<style>
			body { font-family: sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; flex-direction: column; }
			.token { padding: 20px; border: 2px solid #ccc; border-radius: 8px; background-color: #f9f9f9; word-break: break-all; max-width: 500px; }
		</style>
	</head>
	<body>
		<h1>Authentication Successful!</h1>
		<p>Copy this token and paste it back into your terminal:</p>
		<div class="token"><b>{{.}}</b></div>
	</body>
</html>`))

// GitHubCallback serves the browser side of the GitHub OAuth flow
type GitHubCallback struct {
	config *oauth2.Config
	logger *slog.Logger
}

// NewGitHubCallback creates the OAuth handlers
func NewGitHubCallback(config *oauth2.Config, logger *slog.Logger) *GitHubCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubCallback{config: config, logger: logger}
}

// Login redirects the browser to GitHub's consent page
func (h *GitHubCallback) Login(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = uuid.NewString()
	}
	http.Redirect(w, r, h.config.AuthCodeURL(state), http.StatusFound)
}

// Callback exchanges the authorization code and shows the access token
func (h *GitHubCallback) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "code and state are required", http.StatusBadRequest)
		return
	}

	token, err := h.config.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("Failed to exchange github code", "error", err)
		http.Error(w, "Failed to get token from GitHub", http.StatusBadRequest)
		return
	}
	if token.AccessToken == "" {
		http.Error(w, "Access token not found in response", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := tokenPage.Execute(&buf, token.AccessToken); err != nil {
		h.logger.Error("Failed to render token page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	render.HTML(w, r, buf.String())
}
