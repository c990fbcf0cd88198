package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth"
)

// JWTResolver resolves HS256 bearer tokens minted by IssueToken. The owner
// identifier is the "email" claim, falling back to "sub".
type JWTResolver struct {
	ja *jwtauth.JWTAuth
}

// NewJWTResolver creates a resolver verifying tokens signed with secret
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{ja: jwtauth.New("HS256", secret, nil)}
}

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	token, err := jwtauth.VerifyRequest(j.ja, r, jwtauth.TokenFromHeader)
	if err != nil {
		return "", unauthorized("%v", err)
	}

	if v, ok := token.Get("email"); ok {
		if email, ok := v.(string); ok && strings.TrimSpace(email) != "" {
			return strings.TrimSpace(email), nil
		}
	}
	if sub := strings.TrimSpace(token.Subject()); sub != "" {
		return sub, nil
	}
	return "", unauthorized("token carries no principal")
}

// IssueToken mints a token for principal. A zero ttl issues a token that
// never expires.
func (j *JWTResolver) IssueToken(principal string, ttl time.Duration) (string, error) {
	claims := map[string]interface{}{
		"sub":   principal,
		"email": principal,
	}
	jwtauth.SetIssuedNow(claims)
	if ttl != 0 {
		jwtauth.SetExpiryIn(claims, ttl)
	}
	_, token, err := j.ja.Encode(claims)
	return token, err
}
