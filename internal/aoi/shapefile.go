package aoi

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/satimage/compositor/internal/geo"
)

// parseShapefileZip extracts a zipped shapefile to a temp directory and reads
// the first polygonal layer. go-shp reads from disk, so the archive members
// are materialized first.
func parseShapefileZip(r io.Reader) (orb.Geometry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}

	dir, err := os.MkdirTemp("", "aoi-shp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	shpPath := ""
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		dst := filepath.Join(dir, name)
		if err := extractMember(f, dst); err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(name), ".shp") {
			shpPath = dst
		}
	}
	if shpPath == "" {
		return nil, fmt.Errorf("%w: archive contains no .shp member", ErrUnsupportedFormat)
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, fmt.Errorf("opening shapefile: %w", err)
	}
	defer reader.Close()

	var multi orb.MultiPolygon
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		multi = append(multi, polygonFromShape(poly))
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading shapefile: %w", err)
	}
	if len(multi) == 0 {
		return nil, fmt.Errorf("%w: shapefile has no polygon records", geo.ErrEmptyGeometry)
	}

	var g orb.Geometry = multi
	if len(multi) == 1 {
		g = multi[0]
	}
	if err := geo.Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

func extractMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening zip member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

// polygonFromShape converts a shapefile polygon record, splitting its point
// list on part offsets. Ring closure is repaired here because some producers
// drop the repeated final vertex.
func polygonFromShape(p *shp.Polygon) orb.Polygon {
	var poly orb.Polygon
	parts := append([]int32{}, p.Parts...)
	parts = append(parts, int32(len(p.Points)))

	for i := 0; i < len(parts)-1; i++ {
		ring := make(orb.Ring, 0, parts[i+1]-parts[i])
		for _, pt := range p.Points[parts[i]:parts[i+1]] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if len(ring) > 0 && !ring.Closed() {
			ring = append(ring, ring[0])
		}
		poly = append(poly, ring)
	}
	return poly
}
