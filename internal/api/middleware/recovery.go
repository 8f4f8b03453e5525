package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/satimage/compositor/internal/api/response"
)

// Recovery turns a handler panic into a 500 error envelope. The stack trace
// goes to the log, never to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			cause := recover()
			if cause == nil {
				return
			}
			slog.Error("handler panic",
				"panic", cause,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}
