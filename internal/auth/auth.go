// Package auth validates the bearer tokens presented when a client opens a
// voice connection.
//
// Tokens are HMAC-signed JWTs issued by the main API. The `sub` claim carries
// the user id; `exp` is required.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned (wrapped) for every token that fails validation.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Claims jwt.MapClaims
}

// Authenticator turns a raw bearer token into an [Identity].
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Config controls HMAC token validation.
type Config struct {
	// Secret is the shared HMAC key. Required.
	Secret []byte

	// Issuer, when set, must match the `iss` claim.
	Issuer string

	// Audience, when set, must appear in the `aud` claim.
	Audience string

	// Leeway tolerates clock skew on time-based claims. Default: 30s.
	Leeway time.Duration

	// AllowedAlgs restricts signing methods. Default: HS256, HS384, HS512.
	AllowedAlgs []string
}

// HMAC validates HS256/384/512 tokens.
type HMAC struct {
	cfg    Config
	parser *jwt.Parser
}

var _ Authenticator = (*HMAC)(nil)

// NewHMAC returns an HMAC authenticator.
func NewHMAC(cfg Config) (*HMAC, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256", "HS384", "HS512"}
	}
	for _, alg := range cfg.AllowedAlgs {
		if !strings.HasPrefix(alg, "HS") {
			return nil, fmt.Errorf("auth: algorithm %s is not an HMAC method", alg)
		}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &HMAC{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate implements [Authenticator].
func (a *HMAC) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if !slices.Contains(a.cfg.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return a.cfg.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return Identity{UserID: sub, Claims: claims}, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the `token` query parameter that browser websocket clients
// use.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// Sign issues an HS256 token for userID valid for ttl. It is used by the dev
// token command and tests.
func Sign(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return tok, nil
}
