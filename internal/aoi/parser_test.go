package aoi

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareGeoJSON = `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

func TestParseGeoJSONUpload(t *testing.T) {
	p := NewFileParser()

	for _, name := range []string{"aoi.geojson", "aoi.json", "AOI.GEOJSON"} {
		t.Run(name, func(t *testing.T) {
			g, err := p.Parse(name, strings.NewReader(squareGeoJSON))
			require.NoError(t, err)
			poly, ok := g.(orb.Polygon)
			require.True(t, ok)
			assert.True(t, poly[0].Closed())
		})
	}
}

func TestParseGeoJSONFeatureCollection(t *testing.T) {
	doc := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"name":"field"},
		"geometry":` + squareGeoJSON + `}]}`
	g, err := NewFileParser().Parse("fields.geojson", strings.NewReader(doc))
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, g)
}

func TestParseRejectsInvalidGeometry(t *testing.T) {
	bowtie := `{"type":"Polygon","coordinates":[[[0,0],[1,1],[1,0],[0,1],[0,0]]]}`
	_, err := NewFileParser().Parse("aoi.geojson", strings.NewReader(bowtie))
	assert.Error(t, err)
}

func TestParseUnsupportedExtension(t *testing.T) {
	p := NewFileParser()
	for _, name := range []string{"aoi.txt", "aoi.kml", "aoi"} {
		_, err := p.Parse(name, strings.NewReader("whatever"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat, "file %q", name)
	}
}

// writeShapefileZip builds a real zipped shapefile with the given polygons.
func writeShapefileZip(t *testing.T, rings ...[][]shp.Point) []byte {
	t.Helper()
	dir := t.TempDir()
	shpPath := filepath.Join(dir, "aoi.shp")

	w, err := shp.Create(shpPath, shp.POLYGON)
	require.NoError(t, err)
	for _, r := range rings {
		pl := shp.NewPolyLine(r)
		poly := shp.Polygon(*pl)
		w.Write(&poly)
	}
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx"} {
		raw, err := os.ReadFile(filepath.Join(dir, "aoi"+ext))
		if err != nil {
			continue // .shx is optional
		}
		fw, err := zw.Create("aoi" + ext)
		require.NoError(t, err)
		_, err = fw.Write(raw)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseShapefileZip(t *testing.T) {
	raw := writeShapefileZip(t, [][]shp.Point{
		{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: 0}},
	})

	g, err := NewFileParser().Parse("aoi.zip", bytes.NewReader(raw))
	require.NoError(t, err)

	poly, ok := g.(orb.Polygon)
	require.True(t, ok, "single record collapses to a bare Polygon")
	require.Len(t, poly, 1)
	assert.True(t, poly[0].Closed())
	b := poly.Bound()
	assert.Equal(t, 1.0, b.Max[0])
}

func TestParseShapefileZipMultipleRecords(t *testing.T) {
	raw := writeShapefileZip(t,
		[][]shp.Point{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: 0}}},
		[][]shp.Point{{{X: 2, Y: 2}, {X: 3, Y: 2}, {X: 3, Y: 3}, {X: 2, Y: 3}, {X: 2, Y: 2}}},
	)

	g, err := NewFileParser().Parse("aoi.zip", bytes.NewReader(raw))
	require.NoError(t, err)

	multi, ok := g.(orb.MultiPolygon)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestParseShapefileZipRepairsOpenRings(t *testing.T) {
	// Final closing vertex deliberately dropped.
	raw := writeShapefileZip(t, [][]shp.Point{
		{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
	})

	g, err := NewFileParser().Parse("aoi.zip", bytes.NewReader(raw))
	require.NoError(t, err)
	poly := g.(orb.Polygon)
	assert.True(t, poly[0].Closed())
	assert.Len(t, poly[0], 5)
}

func TestParseZipWithoutShpMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("no shapefile here"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = NewFileParser().Parse("aoi.zip", bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseCorruptZip(t *testing.T) {
	_, err := NewFileParser().Parse("aoi.zip", strings.NewReader("PK garbage"))
	assert.Error(t, err)
}
