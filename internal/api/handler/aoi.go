package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"github.com/satimage/compositor/internal/aoi"
	"github.com/satimage/compositor/internal/api/response"
	"github.com/satimage/compositor/internal/geo"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// NewAOIBBoxHandler serves POST /api/aoi/bbox: a bounding box in, a closed
// polygon geometry out.
func NewAOIBBoxHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			West  *float64 `json:"west"`
			South *float64 `json:"south"`
			East  *float64 `json:"east"`
			North *float64 `json:"north"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
			return
		}
		if req.West == nil || req.South == nil || req.East == nil || req.North == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "west, south, east and north are required")
			return
		}
		if *req.West < -180 || *req.East > 180 || *req.South < -90 || *req.North > 90 ||
			*req.West >= *req.East || *req.South >= *req.North {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "bounding box edges are out of range or inverted")
			return
		}

		poly := geo.BBoxPolygon(*req.West, *req.South, *req.East, *req.North)
		response.JSON(w, map[string]any{"geojson": geojson.NewGeometry(poly)})
	}
}

// NewAOIGeoJSONHandler serves POST /api/aoi/geojson: any GeoJSON document in,
// a normalized bare geometry out.
func NewAOIGeoJSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Reading body failed")
			return
		}

		g, err := geo.Normalize(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_GEOJSON", err.Error())
			return
		}
		if err := geo.Validate(g); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_GEOJSON", err.Error())
			return
		}

		response.JSON(w, map[string]any{"geojson": geojson.NewGeometry(g)})
	}
}

// NewAOIUploadHandler serves POST /api/aoi/upload: a multipart file (zipped
// shapefile or GeoJSON) parsed into a normalized geometry.
func NewAOIUploadHandler(parser aoi.Parser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart upload")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Missing file field")
			return
		}
		defer file.Close()

		g, err := parser.Parse(header.Filename, file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_AOI_FILE", err.Error())
			return
		}

		response.JSON(w, map[string]any{"geojson": geojson.NewGeometry(g)})
	}
}
