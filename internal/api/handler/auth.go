package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/satimage/compositor/internal/api/response"
	"github.com/satimage/compositor/pkg/models"
)

// Authenticator is the slice of the session tracker the auth handlers need.
type Authenticator interface {
	Status() models.AuthStatus
	BeginLogin(ctx context.Context, p models.Provider, creds models.Credentials) (models.AuthResult, error)
}

// NewAuthStatusHandler serves GET /api/auth/status.
func NewAuthStatusHandler(tracker Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, tracker.Status())
	}
}

// NewGEELoginHandler serves POST /api/auth/gee. The body may carry an
// optional Google Cloud project id; the flow completes synchronously.
func NewGEELoginHandler(tracker Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
				return
			}
		}

		res, err := tracker.BeginLogin(r.Context(), models.ProviderGEE, models.Credentials{ProjectID: req.ProjectID})
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "AUTH_FAILED", err.Error())
			return
		}

		response.JSON(w, map[string]any{
			"status":  "ok",
			"message": res.Message,
		})
	}
}

// NewCopernicusLoginHandler serves POST /api/auth/copernicus. A pending
// device flow answers 202 with the verification link; the UI then polls
// GET /api/auth/status until copernicus flips to true.
func NewCopernicusLoginHandler(tracker Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := tracker.BeginLogin(r.Context(), models.ProviderCopernicus, models.Credentials{})
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "AUTH_FAILED", err.Error())
			return
		}

		if res.Pending != nil {
			response.Accepted(w, map[string]any{
				"status":           "pending",
				"message":          res.Message,
				"verification_uri": res.Pending.VerificationURI,
				"user_code":        res.Pending.UserCode,
			})
			return
		}

		response.JSON(w, map[string]any{
			"status":  "ok",
			"message": res.Message,
		})
	}
}
