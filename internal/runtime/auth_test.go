package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/dashforge/config"
)

func TestLoadJWTSecret(t *testing.T) {
	if _, err := LoadJWTSecret(&config.Config{}); err == nil {
		t.Fatal("expected error for missing secret")
	}
	got, err := LoadJWTSecret(&config.Config{Server: config.ServerConfig{JWTSecret: " s3cret "}})
	if err != nil || string(got) != "s3cret" {
		t.Fatalf("unexpected secret %q err=%v", got, err)
	}
}

func TestEchoAuthMiddlewareAndScopes(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	handler := EchoAuthMiddleware(secret)(RequireScopes(ScopeGenerate)(func(c echo.Context) error {
		p, _ := PrincipalFromContext(c.Request().Context())
		return c.String(http.StatusOK, p.Subject)
	}))

	call := func(token string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/generations", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		return handler(e.NewContext(req, rec))
	}

	if err := call(""); !isStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	if err := call("garbage"); !isStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 for garbage token, got %v", err)
	}

	limited, err := SignJWT("alice", secret, time.Hour, ScopeLaunch)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := call(limited); !isStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 for missing scope, got %v", err)
	}

	full, err := SignJWT("alice", secret, time.Hour, ScopeGenerate, ScopeLaunch)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := call(full); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	spaced := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "bob",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "dashboards:launch generations:write",
	})
	tok, err := spaced.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := call(tok); err != nil {
		t.Fatalf("expected space separated scope claim to pass, got %v", err)
	}

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString(secret)
	if err := call(noSubject); !isStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 without subject, got %v", err)
	}

	expired, err := SignJWT("alice", secret, -time.Minute, ScopeGenerate)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := call(expired); !isStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 for expired token, got %v", err)
	}
}

func isStatus(err error, code int) bool {
	he, ok := err.(*echo.HTTPError)
	return ok && he.Code == code
}
