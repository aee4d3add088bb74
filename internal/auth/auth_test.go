package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func TestTokens_IssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	tok, err := tokens.Issue("ops", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops" || claims.Role != RoleAdmin {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestTokens_Rejects(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	other, _ := NewTokens("other-secret")

	claims := Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))

	foreign, _ := other.Issue("ops", RoleAdmin, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": foreign,
		"alg none":     none,
		"garbage":      "not-a-token",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewTokens_EphemeralFallback(t *testing.T) {
	a, err := NewTokens("")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	b, _ := NewTokens("  ")
	if !a.Ephemeral || !b.Ephemeral {
		t.Fatal("expected ephemeral secrets")
	}
	tok, _ := a.Issue("ops", RoleAdmin, time.Minute)
	if _, err := b.Verify(tok); err == nil {
		t.Fatal("ephemeral secrets must differ between instances")
	}
}

func TestRequireAdmin(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	admin, _ := tokens.Issue("ops", RoleAdmin, time.Hour)
	viewer, _ := tokens.Issue("dash", "viewer", time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"non-admin role", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}

	e := echo.New()
	handler := RequireAdmin(tokens)(func(c echo.Context) error {
		if ClaimsFromContext(c) == nil {
			t.Error("claims missing from context")
		}
		return c.NoContent(http.StatusOK)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)
			status := rec.Code
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			if status != tt.want {
				t.Fatalf("expected %d, got %d (err=%v)", tt.want, status, err)
			}
		})
	}
}
