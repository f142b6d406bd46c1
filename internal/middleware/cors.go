package middleware

import (
	"net/http"

	"github.com/mihaisavezi/claude-relay/internal/response"
)

// NewCORSMiddleware answers preflight requests itself and adds CORS headers to everything else.
func NewCORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			response.SetCORS(w.Header())

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
