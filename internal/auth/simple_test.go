package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tinoosan/folio/internal/reqid"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		authz   string
		user    string
		want    int
		body    string
		handled bool
	}{
		{"healthz without token", "/healthz", "", "", http.StatusTeapot, "", true},
		{"metrics without token", "/metrics", "", "", http.StatusTeapot, "", true},
		{"missing token", "/v1/jobs", "", "u1", http.StatusUnauthorized, "missing API token", false},
		{"invalid token", "/v1/jobs", "Bearer wrong", "u1", http.StatusForbidden, "invalid API token", false},
		{"missing user", "/v1/jobs", "Bearer sekrit", "", http.StatusUnauthorized, "missing X-User-ID", false},
		{"valid", "/v1/jobs", "Bearer sekrit", "u1", http.StatusTeapot, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				if tt.user != "" && reqid.User(r.Context()) != tt.user {
					t.Errorf("user in context = %q", reqid.User(r.Context()))
				}
				w.WriteHeader(http.StatusTeapot)
			})
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			if tt.user != "" {
				req.Header.Set(HeaderUserID, tt.user)
			}
			rr := httptest.NewRecorder()
			Middleware("sekrit")(next).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d got %d", tt.want, rr.Code)
			}
			if handled != tt.handled {
				t.Fatalf("handled = %v", handled)
			}
			if tt.body != "" && strings.TrimSpace(rr.Body.String()) != tt.body {
				t.Fatalf("unexpected body %q", rr.Body.String())
			}
		})
	}
}

func TestMiddlewareEmptyTokenRejects(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer ")
	req.Header.Set(HeaderUserID, "u1")
	rr := httptest.NewRecorder()
	Middleware("")(http.NotFoundHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}
