package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokens_IssueAndValidate(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	token, expires, err := tokens.Issue("user-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("expiry %v should be in the future", expires)
	}

	claims, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Subject != "user-1" || claims.Issuer != issuer {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestTokens_Rejects(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	good, _, _ := tokens.Issue("user-1", "alice")

	expired := NewTokens("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, _ := expired.Issue("user-1", "alice")

	otherKey, _, _ := NewTokens("other", time.Hour).Issue("user-1", "alice")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "user-1", "iss": issuer, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":     stale,
		"wrong key":   otherKey,
		"alg none":    none,
		"garbage":     "not.a.token",
		"tampered":    good + "x",
		"empty token": "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Validate(token); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	token, _, _ := tokens.Issue("user-1", "alice")

	var seen string
	h := tokens.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			if tt.want == http.StatusNoContent && seen != "user-1" {
				t.Errorf("expected user-1 in context, got %q", seen)
			}
		})
	}
}
