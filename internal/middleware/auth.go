package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ranksync/pkg/apierror"
	"ranksync/pkg/response"
)

// AdminKeyHeader carries the operator key for admin endpoints.
const AdminKeyHeader = "X-Admin-Key"

// NewAdminAuth creates a middleware that requires the configured admin key.
// With no key configured every request is rejected, so admin routes are closed by default.
func NewAdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(AdminKeyHeader)
			if key == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if key == "" {
				response.Error(w, apierror.Unauthorized("Authentication required. Use the X-Admin-Key header."))
				return
			}
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
				response.Error(w, apierror.Unauthorized("Invalid admin key"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
