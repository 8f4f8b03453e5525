package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/satimage/compositor/internal/api/response"
	"github.com/satimage/compositor/internal/jobs"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

// Submitter is the slice of the dispatcher the process handler needs.
type Submitter interface {
	Submit(ctx context.Context, req models.ProcessingRequest) (string, error)
}

// NewProcessHandler serves POST /api/process: one accepted request becomes
// exactly one background job, and the id comes back immediately.
func NewProcessHandler(dispatcher Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ProcessingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
			return
		}

		jobID, err := dispatcher.Submit(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrValidation):
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			case provider.IsAuthError(err):
				response.Error(w, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}
			return
		}

		response.Accepted(w, map[string]any{"job_id": jobID})
	}
}
