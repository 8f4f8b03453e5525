package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satimage/compositor/internal/api/middleware"
	"github.com/satimage/compositor/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	Health          http.HandlerFunc
	AuthStatus      http.HandlerFunc
	GEELogin        http.HandlerFunc
	CopernicusLogin http.HandlerFunc
	AOIBBox         http.HandlerFunc
	AOIGeoJSON      http.HandlerFunc
	AOIUpload       http.HandlerFunc
	Process         http.HandlerFunc
	ListJobs        http.HandlerFunc
	GetJob          http.HandlerFunc
	Download        http.HandlerFunc
	ListOutputs     http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	r.Get("/api/health", orNotImplemented(deps.Health))

	r.Get("/api/auth/status", orNotImplemented(deps.AuthStatus))
	r.Post("/api/auth/gee", orNotImplemented(deps.GEELogin))
	r.Post("/api/auth/copernicus", orNotImplemented(deps.CopernicusLogin))

	r.Post("/api/aoi/bbox", orNotImplemented(deps.AOIBBox))
	r.Post("/api/aoi/geojson", orNotImplemented(deps.AOIGeoJSON))
	r.Post("/api/aoi/upload", orNotImplemented(deps.AOIUpload))

	r.Post("/api/process", orNotImplemented(deps.Process))
	r.Get("/api/jobs", orNotImplemented(deps.ListJobs))
	r.Get("/api/jobs/{jobID}", orNotImplemented(deps.GetJob))

	r.Get("/api/download/{file}", orNotImplemented(deps.Download))
	r.Get("/api/outputs", orNotImplemented(deps.ListOutputs))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented")
	}
}
