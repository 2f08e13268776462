package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Middleware validates dashboard JWTs and enforces RBAC.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.Policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ParseJWT(extractToken(r), m.Secret)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrEmptySecret) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{Subject: claims.Subject, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads a bearer token, falling back to the access_token query
// parameter for EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stream") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
