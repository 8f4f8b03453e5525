package models

import "encoding/json"

// ProcessingRequest is the wire shape of POST /api/process. MaxCloud and
// CloudProbThreshold are pointers so that an explicit 0 survives decoding.
type ProcessingRequest struct {
	Provider           Provider        `json:"provider"`
	AOIGeoJSON         json.RawMessage `json:"aoi_geojson"`
	StartDate          string          `json:"start_date"`
	EndDate            string          `json:"end_date"`
	MaxCloud           *int            `json:"max_cloud,omitempty"`
	CloudProbThreshold *int            `json:"cloud_prob_threshold,omitempty"`
	Collection         string          `json:"collection,omitempty"`
	Bands              []string        `json:"bands,omitempty"`
	Resolution         int             `json:"resolution,omitempty"`
}

// AuthStatus is the wire shape of GET /api/auth/status.
type AuthStatus struct {
	GEE               bool   `json:"gee"`
	Copernicus        bool   `json:"copernicus"`
	Planetary         bool   `json:"planetary"`
	GEEMessage        string `json:"gee_message"`
	CopernicusMessage string `json:"copernicus_message"`
	PlanetaryMessage  string `json:"planetary_message"`
}
