// Package auth guards the API with a shared bearer token and resolves the
// calling user from the X-User-ID header.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tinoosan/folio/internal/reqid"
)

const HeaderUserID = "X-User-ID"

// public paths skip authentication.
var public = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// Middleware rejects requests without the configured token. An empty token
// rejects every protected request.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// Expect: Authorization: Bearer <token>
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, "missing API token", http.StatusUnauthorized)
				return
			}
			got := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "invalid API token", http.StatusForbidden)
				return
			}

			user := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if user == "" {
				http.Error(w, "missing "+HeaderUserID, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(reqid.WithUser(r.Context(), user)))
		})
	}
}
