package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func newTestHandler(t *testing.T) (http.Handler, *Identity) {
	t.Helper()
	var seen Identity
	policy := NewDefaultPolicy([]string{"/healthz"}, []string{"/ingest/"})
	mw := NewMiddleware(testSecret, policy)
	return mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})), &seen
}

func serve(handler http.Handler, method, target, token string) int {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp.Code
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	if code := serve(handler, http.MethodGet, "/api/v1/positions", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	handler, _ := newTestHandler(t)
	if code := serve(handler, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serve(handler, http.MethodPost, "/ingest/positions", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthMiddleware_RoleMatrix(t *testing.T) {
	handler, seen := newTestHandler(t)
	cases := []struct {
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer", http.MethodGet, "/api/v1/status", http.StatusOK},
		{"viewer", http.MethodGet, "/api/v1/positions/v1", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/session/credentials", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/session/credentials", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/polling/run", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/polling/stop", http.StatusForbidden},
		{"admin", http.MethodPost, "/api/v1/polling/start", http.StatusOK},
	}
	for _, tc := range cases {
		token := mustToken(t, "user-1", tc.role, time.Hour)
		if code := serve(handler, tc.method, tc.path, token); code != tc.want {
			t.Fatalf("%s %s %s: expected %d, got %d", tc.role, tc.method, tc.path, tc.want, code)
		}
		if tc.want == http.StatusOK && seen.Subject != "user-1" {
			t.Fatalf("identity not propagated: %+v", *seen)
		}
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	token := mustToken(t, "user-1", "admin", -time.Minute)
	if code := serve(handler, http.MethodGet, "/api/v1/status", token); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthMiddleware_StreamQueryToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	token := mustToken(t, "user-1", "viewer", time.Hour)
	if code := serve(handler, http.MethodGet, "/api/v1/status/stream?access_token="+token, ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serve(handler, http.MethodGet, "/api/v1/status?access_token="+token, ""); code != http.StatusUnauthorized {
		t.Fatalf("query tokens are only accepted on streams, got %d", code)
	}
}

func TestParseJWT_RejectsUnknownRole(t *testing.T) {
	if _, err := ParseJWT(mustToken(t, "user-1", "root", time.Hour), testSecret); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if _, err := ParseJWT(mustToken(t, "", "viewer", time.Hour), testSecret); err == nil {
		t.Fatal("expected error for missing subject")
	}
}

func TestIssueJWT_RoundTrip(t *testing.T) {
	token, err := IssueJWT(testSecret, "ops", RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseJWT(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops" || claims.Role != string(RoleOperator) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func mustToken(t *testing.T, subject, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
