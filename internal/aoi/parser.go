// Package aoi turns uploaded AOI files into normalized polygon geometry.
package aoi

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"

	"github.com/satimage/compositor/internal/geo"
)

var ErrUnsupportedFormat = errors.New("unsupported AOI file format")

// Parser converts an uploaded file into a Polygon or MultiPolygon geometry.
type Parser interface {
	Parse(filename string, r io.Reader) (orb.Geometry, error)
}

// FileParser dispatches on the upload's extension: .geojson/.json documents
// and zipped shapefiles.
type FileParser struct{}

func NewFileParser() *FileParser { return &FileParser{} }

func (p *FileParser) Parse(filename string, r io.Reader) (orb.Geometry, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".geojson", ".json":
		return parseGeoJSON(r)
	case ".zip":
		return parseShapefileZip(r)
	default:
		return nil, fmt.Errorf("%w: %s (use .zip shapefile or .geojson/.json)", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func parseGeoJSON(r io.Reader) (orb.Geometry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	g, err := geo.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if err := geo.Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

var _ Parser = (*FileParser)(nil)
