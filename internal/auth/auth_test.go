package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret-0123456789")

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestNewHMAC_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewHMAC(Config{}); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := NewHMAC(Config{Secret: secret, AllowedAlgs: []string{"RS256"}}); err == nil {
		t.Error("expected error for non-HMAC algorithm")
	}
}

func TestHMAC_Authenticate(t *testing.T) {
	t.Parallel()

	a, err := NewHMAC(Config{Secret: secret, Issuer: "zenc-api", Audience: "voice"})
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "user-42",
		Issuer:    "zenc-api",
		Audience:  jwt.ClaimStrings{"voice"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr bool
	}{
		{"valid", func() string { return signClaims(t, jwt.SigningMethodHS256, secret, valid) }, false},
		{"empty", func() string { return "" }, true},
		{"garbage", func() string { return "not-a-jwt" }, true},
		{"wrong secret", func() string {
			return signClaims(t, jwt.SigningMethodHS256, []byte("other-secret"), valid)
		}, true},
		{"expired", func() string {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
			return signClaims(t, jwt.SigningMethodHS256, secret, c)
		}, true},
		{"missing exp", func() string {
			c := valid
			c.ExpiresAt = nil
			return signClaims(t, jwt.SigningMethodHS256, secret, c)
		}, true},
		{"wrong issuer", func() string {
			c := valid
			c.Issuer = "someone-else"
			return signClaims(t, jwt.SigningMethodHS256, secret, c)
		}, true},
		{"wrong audience", func() string {
			c := valid
			c.Audience = jwt.ClaimStrings{"admin"}
			return signClaims(t, jwt.SigningMethodHS256, secret, c)
		}, true},
		{"missing sub", func() string {
			c := valid
			c.Subject = ""
			return signClaims(t, jwt.SigningMethodHS256, secret, c)
		}, true},
		{"none alg", func() string {
			return signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := a.Authenticate(context.Background(), tt.token())
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("err = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if id.UserID != "user-42" {
				t.Errorf("UserID = %q, want user-42", id.UserID)
			}
		})
	}
}

func TestSign_RoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewHMAC(Config{Secret: secret})
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	tok, err := Sign(secret, "u1", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := a.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("UserID = %q", id.UserID)
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/v1/voice?token=from-query", nil)
	if got := TokenFromRequest(r); got != "from-query" {
		t.Errorf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(r); got != "from-header" {
		t.Errorf("header token = %q", got)
	}
}
