package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const scopeContextKey contextKey = "scope"

// Token permission scopes.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
)

// Tokens are the bearer tokens accepted by the admin API. An empty token is
// never accepted.
type Tokens struct {
	Admin    string
	ReadOnly string
}

// Scope returns the scope granted to token.
func (t Tokens) Scope(token string) (string, bool) {
	switch {
	case matches(t.Admin, token):
		return ScopeAdmin, true
	case matches(t.ReadOnly, token):
		return ScopeReadOnly, true
	default:
		return "", false
	}
}

func matches(want, got string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// ScopeFromContext retrieves the authenticated scope from the request context.
func ScopeFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(scopeContextKey).(string)
	return scope, ok
}

// AuthMiddleware returns a chi-compatible middleware that validates bearer
// tokens and stores the granted scope in the request context.
func AuthMiddleware(tokens Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_token")
				return
			}

			scope, ok := tokens.Scope(strings.TrimPrefix(auth, "Bearer "))
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid token", "authentication_error", "invalid_token")
				return
			}

			ctx := context.WithValue(r.Context(), scopeContextKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that checks whether the authenticated
// token has one of the required scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := ScopeFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			for _, required := range scopes {
				if scope == required {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
		})
	}
}

// writeError writes a unified OpenAI-compatible JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	writeErrorDetail(w, status, message, errType, code, nil)
}

// writeErrorDetail is writeError with extra fields merged into the error
// object.
func writeErrorDetail(w http.ResponseWriter, status int, message, errType, code string, extra map[string]interface{}) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	body := map[string]interface{}{
		"message": message,
		"type":    errType,
		"code":    code,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusServiceUnavailable:
		return "service_unavailable"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
