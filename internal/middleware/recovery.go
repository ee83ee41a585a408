package middleware

import (
	"net/http"

	"ranksync/pkg/apierror"
	"ranksync/pkg/response"

	"go.uber.org/zap"
)

// Recovery returns a middleware that turns handler panics into a 500 JSON response.
func Recovery(zl *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					zl.Error("panic in handler",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					response.Error(w, apierror.InternalError(""))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
