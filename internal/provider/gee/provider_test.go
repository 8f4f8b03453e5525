package gee

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

func testConfig(baseURL string) config.GEEConfig {
	return config.GEEConfig{
		Project:         "test-project",
		APIBaseURL:      baseURL,
		AuthTimeout:     time.Second,
		DownloadTimeout: 5 * time.Second,
	}
}

func testSpec(t *testing.T) models.RunSpec {
	t.Helper()
	return models.RunSpec{
		Geometry:   orb.Polygon{orb.Ring{{0, 0}, {0.1, 0}, {0.1, 0.1}, {0, 0.1}, {0, 0}}},
		StartDate:  "2024-01-01",
		EndDate:    "2024-03-31",
		MaxCloud:   30,
		CloudProb:  50,
		Collection: "sentinel2",
		Bands:      []string{"B2", "B3", "B4", "B8"},
		Resolution: 10,
		OutputPath: filepath.Join(t.TempDir(), "gee_test.tif"),
	}
}

func staticSession(p *Provider, project string) {
	p.setSession(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "test-access",
		Expiry:      time.Now().Add(time.Hour),
	}), project)
}

func TestRunRequiresLogin(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrAuthRequired)
}

func TestAuthenticateRejectsBadProjectID(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	for _, id := range []string{"UPPER", "x", "-leading", "has spaces"} {
		_, err := p.Authenticate(context.Background(), models.Credentials{ProjectID: id})
		assert.ErrorIs(t, err, provider.ErrAuthRequired, "project id %q", id)
	}
}

func TestCachedCredentialsFileParsing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")

	t.Run("missing file", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:0")
		cfg.CredentialsFile = path
		p := NewProvider(cfg, config.DefaultPolicy())
		_, err := p.cachedTokenSource(context.Background())
		assert.Error(t, err)
	})

	t.Run("no refresh token", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"client_id":"id"}`), 0o600))
		cfg := testConfig("http://127.0.0.1:0")
		cfg.CredentialsFile = path
		p := NewProvider(cfg, config.DefaultPolicy())
		_, err := p.cachedTokenSource(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refresh token")
	})

	t.Run("malformed json", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"client`), 0o600))
		cfg := testConfig("http://127.0.0.1:0")
		cfg.CredentialsFile = path
		p := NewProvider(cfg, config.DefaultPolicy())
		_, err := p.cachedTokenSource(context.Background())
		assert.Error(t, err)
	})
}

func TestRunComputesComposite(t *testing.T) {
	var gotReq compositeRequest
	var gotPath, gotAuth string
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("POST /projects/test-project/image:computeDownloadUrl", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(compositeResponse{URL: srv.URL + "/download/abc", SceneCount: 12})
	})
	mux.HandleFunc("GET /download/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("GeoTIFF bytes"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	staticSession(p, "test-project")

	spec := testSpec(t)
	var lastPct int
	out, err := p.Run(context.Background(), spec, func(pct int, _ string) {
		if pct > lastPct {
			lastPct = pct
		}
	})
	require.NoError(t, err)
	assert.Equal(t, spec.OutputPath, out)
	assert.Equal(t, 100, lastPct)

	data, err := os.ReadFile(spec.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("GeoTIFF bytes"), data)

	assert.Equal(t, "/projects/test-project/image:computeDownloadUrl", gotPath)
	assert.Equal(t, "Bearer test-access", gotAuth)
	assert.Equal(t, "COPERNICUS/S2_SR_HARMONIZED", gotReq.Collection)
	assert.Equal(t, 30, gotReq.MaxCloudCover)
	assert.Equal(t, 50, gotReq.CloudProb)
	assert.Equal(t, []string{"B2", "B3", "B4", "B8"}, gotReq.Bands)
	assert.Equal(t, 10, gotReq.Scale)
	assert.Equal(t, "median", gotReq.Reducer)
	assert.Equal(t, "GEO_TIFF", gotReq.Format)
	assert.False(t, gotReq.ApplyScaleFact)
}

func TestRunLandsatCollection(t *testing.T) {
	var gotReq compositeRequest
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("POST /projects/test-project/image:computeDownloadUrl", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(compositeResponse{URL: srv.URL + "/download/abc", SceneCount: 4})
	})
	mux.HandleFunc("GET /download/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	staticSession(p, "")

	spec := testSpec(t)
	spec.Collection = "landsat"
	spec.Bands = []string{"SR_B2", "SR_B3", "SR_B4", "SR_B5"}
	spec.Resolution = 30

	_, err := p.Run(context.Background(), spec, func(int, string) {})
	require.NoError(t, err)

	assert.Equal(t, "LANDSAT/LC08/C02/T1_L2,LANDSAT/LC09/C02/T1_L2", gotReq.Collection)
	assert.True(t, gotReq.ApplyScaleFact)
	assert.Zero(t, gotReq.CloudProb, "cloud probability is Sentinel-2 only")
}

func TestRunNoScenesFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(compositeResponse{URL: "http://example.com/x", SceneCount: 0})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	staticSession(p, "")

	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrNoScenesFound)
}

func TestRunExpiredTokenSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	staticSession(p, "")

	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrTokenExpired)
}

func TestRunOversizedExportSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	staticSession(p, "")

	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrAoiTooLarge)
}

func TestRunRejectsOversizedAOI(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	staticSession(p, "")

	spec := testSpec(t)
	// Roughly 10 degrees square, far over the 2500 km2 ceiling.
	spec.Geometry = orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}

	_, err := p.Run(context.Background(), spec, func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrAoiTooLarge)
}

func TestRequestCompositeDefaultsLegacyProject(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(compositeResponse{URL: "http://example.com/x", SceneCount: 1})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	_, err := p.requestComposite(context.Background(), "tok", "", compositeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "/projects/earthengine-legacy/image:computeDownloadUrl", gotPath)
}

func TestDownloadReportsProgressWindow(t *testing.T) {
	payload := make([]byte, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	path := filepath.Join(t.TempDir(), "out.tif")

	var pcts []int
	err := p.download(context.Background(), srv.URL, "tok", path, func(pct int, _ string) {
		pcts = append(pcts, pct)
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size())

	require.NotEmpty(t, pcts)
	for i, pct := range pcts {
		assert.GreaterOrEqual(t, pct, 70)
		assert.LessOrEqual(t, pct, 95)
		if i > 0 {
			assert.Greater(t, pct, pcts[i-1])
		}
	}
}
