package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satimage/compositor/internal/api/response"
	"github.com/satimage/compositor/pkg/models"
)

// JobReader is the read-only job query surface the handlers poll.
type JobReader interface {
	Get(id string) (models.Job, bool)
	List() []models.Job
}

// NewListJobsHandler serves GET /api/jobs, newest first.
func NewListJobsHandler(store JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, store.List())
	}
}

// NewGetJobHandler serves GET /api/jobs/{jobID}.
func NewGetJobHandler(store JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := store.Get(chi.URLParam(r, "jobID"))
		if !ok {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found")
			return
		}
		response.JSON(w, job)
	}
}
