// Package geo holds the AOI geometry helpers: normalization of incoming
// GeoJSON to a bare geometry, validation, bounding boxes and area.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

var (
	ErrEmptyGeometry   = errors.New("geometry has no coordinates")
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// Normalize reduces any incoming GeoJSON document to a plain Polygon or
// MultiPolygon geometry. A FeatureCollection contributes its first feature.
func Normalize(raw json.RawMessage) (orb.Geometry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidGeometry)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		if len(fc.Features) == 0 {
			return nil, fmt.Errorf("%w: feature collection is empty", ErrInvalidGeometry)
		}
		if fc.Features[0].Geometry == nil {
			return nil, fmt.Errorf("%w: feature has no geometry", ErrInvalidGeometry)
		}
		return onlyPolygonal(fc.Features[0].Geometry)
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		if f.Geometry == nil {
			return nil, fmt.Errorf("%w: feature has no geometry", ErrInvalidGeometry)
		}
		return onlyPolygonal(f.Geometry)
	case "Polygon", "MultiPolygon":
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		return onlyPolygonal(g.Geometry())
	default:
		return nil, fmt.Errorf("%w: unsupported GeoJSON type %q", ErrInvalidGeometry, probe.Type)
	}
}

func onlyPolygonal(g orb.Geometry) (orb.Geometry, error) {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	default:
		return nil, fmt.Errorf("%w: AOI must be a Polygon or MultiPolygon, got %s", ErrInvalidGeometry, g.GeoJSONType())
	}
}

// Validate checks that g is a well-formed, non-self-intersecting polygonal
// geometry in lon/lat coordinates.
func Validate(g orb.Geometry) error {
	switch geom := g.(type) {
	case orb.Polygon:
		return validatePolygon(geom)
	case orb.MultiPolygon:
		if len(geom) == 0 {
			return ErrEmptyGeometry
		}
		for i, poly := range geom {
			if err := validatePolygon(poly); err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: expected Polygon or MultiPolygon", ErrInvalidGeometry)
	}
}

func validatePolygon(p orb.Polygon) error {
	if len(p) == 0 {
		return ErrEmptyGeometry
	}
	for i, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("%w: ring %d has fewer than 4 points", ErrInvalidGeometry, i)
		}
		if !ring.Closed() {
			return fmt.Errorf("%w: ring %d is not closed", ErrInvalidGeometry, i)
		}
		for _, pt := range ring {
			if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
				return fmt.Errorf("%w: coordinate (%g, %g) outside lon/lat range", ErrInvalidGeometry, pt[0], pt[1])
			}
		}
	}
	if ringSelfIntersects(p[0]) {
		return fmt.Errorf("%w: outer ring self-intersects", ErrInvalidGeometry)
	}
	return nil
}

// ringSelfIntersects reports whether any two non-adjacent edges of the ring
// cross. O(n^2), fine for hand-drawn AOIs.
func ringSelfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1 // last point repeats the first
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			// Skip the pair sharing the ring's closing vertex.
			if i == 0 && j == n-1 {
				continue
			}
			if segmentsCross(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// BBox returns the geometry's bounding box as [west, south, east, north].
func BBox(g orb.Geometry) [4]float64 {
	b := g.Bound()
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// AreaKm2 returns the geodesic area of the geometry in square kilometers.
func AreaKm2(g orb.Geometry) float64 {
	return orbgeo.Area(g) / 1e6
}

// BBoxPolygon builds a closed rectangular polygon from bounding-box edges.
func BBoxPolygon(west, south, east, north float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{west, south},
		{east, south},
		{east, north},
		{west, north},
		{west, south},
	}}
}
