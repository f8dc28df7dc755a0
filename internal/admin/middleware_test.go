package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var testTokens = Tokens{Admin: "admin-token", ReadOnly: "ro-token"}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var got string
	handler := AuthMiddleware(testTokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ScopeFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ro-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	if got != ScopeReadOnly {
		t.Errorf("scope = %q, want %q", got, ScopeReadOnly)
	}
}

func TestAuthMiddleware_NoAuthHeader(t *testing.T) {
	handler := AuthMiddleware(testTokens)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	handler := AuthMiddleware(testTokens)(okHandler())

	for _, header := range []string{"Bearer nope", "Basic admin-token", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%q: got status %d, want %d", header, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestTokens_EmptyNeverMatches(t *testing.T) {
	tokens := Tokens{Admin: "admin-token"}
	if _, ok := tokens.Scope(""); ok {
		t.Error("empty token accepted")
	}
	if scope, ok := tokens.Scope("admin-token"); !ok || scope != ScopeAdmin {
		t.Errorf("Scope = %q %v", scope, ok)
	}
}

func TestRequireScope(t *testing.T) {
	handler := AuthMiddleware(testTokens)(RequireScope(ScopeAdmin)(okHandler()))

	tests := []struct {
		token string
		want  int
	}{
		{"admin-token", http.StatusOK},
		{"ro-token", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tt.token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("%s: got status %d, want %d", tt.token, rr.Code, tt.want)
		}
	}
}

func TestRequireScope_NoAuthContext(t *testing.T) {
	handler := RequireScope(ScopeReadOnly)(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
