package handler

import (
	"net/http"
	"time"

	"github.com/satimage/compositor/internal/api/response"
)

// NewHealthHandler returns the liveness handler for GET /api/health.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
