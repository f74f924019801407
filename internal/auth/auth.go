// Package auth validates the bearer tokens that guard the dedup API and decides
// whose workouts a caller may deduplicate.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds signer verification parameters.
type Config struct {
	Secret string
	Issuer string
	// Audience, when set, must be listed in the token's aud claim.
	Audience string
}

// Claims is the verified caller. For end-user tokens Subject is the internal
// user id; for service tokens it names the client.
type Claims struct {
	Subject   string
	Email     string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

// tokenClaims is the wire shape of a dedup token. Scopes arrive either as the
// OAuth space-delimited "scope" string or as a "scopes" array.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email,omitempty"`
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// ErrMissingToken is returned when the Authorization header is absent.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken wraps parsing/validation errors.
var ErrInvalidToken = errors.New("invalid bearer token")

// Parse verifies an HS256 token and returns its claims. Tokens must carry a
// subject and an expiry.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(tc.Subject) == "" {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:   strings.TrimSpace(tc.Subject),
		Email:     strings.ToLower(strings.TrimSpace(tc.Email)),
		Scopes:    collectScopes(tc.Scope, tc.Scopes),
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}

func collectScopes(delimited string, list []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range strings.Fields(delimited) {
		out[s] = struct{}{}
	}
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// HasScope reports whether the claim set includes the provided scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// CanRun reports whether the caller may start a run for userRef, an internal
// user id or an email address. dedup:admin acts for anyone; dedup:run only for
// the caller's own user.
func (c *Claims) CanRun(userRef string) bool {
	if c.HasScope(ScopeDedupAdmin) {
		return true
	}
	return c.HasScope(ScopeDedupRun) && c.isSelf(userRef)
}

// CanRead reports whether the caller may see a run recorded for userRef and
// userID.
func (c *Claims) CanRead(userRef, userID string) bool {
	if c.HasScope(ScopeDedupAdmin) {
		return true
	}
	if !c.HasScope(ScopeDedupRead) && !c.HasScope(ScopeDedupRun) {
		return false
	}
	return c.isSelf(userID) || c.isSelf(userRef)
}

func (c *Claims) isSelf(ref string) bool {
	ref = strings.TrimSpace(ref)
	if c == nil || ref == "" {
		return false
	}
	if strings.Contains(ref, "@") {
		return c.Email != "" && strings.EqualFold(ref, c.Email)
	}
	return ref == c.Subject
}
