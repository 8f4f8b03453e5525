package openeo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

func testConfig(baseURL string) config.CopernicusConfig {
	return config.CopernicusConfig{
		OpenEOURL:       baseURL,
		OIDCIssuer:      baseURL,
		ClientID:        "cdse-public",
		RequestTimeout:  5 * time.Second,
		DevicePollEvery: 3 * time.Second,
		DevicePollMax:   180 * time.Second,
		JobPollEvery:    time.Millisecond,
		JobTimeout:      5 * time.Second,
	}
}

func testSpec(t *testing.T) models.RunSpec {
	t.Helper()
	return models.RunSpec{
		Geometry:   orb.Polygon{orb.Ring{{0, 0}, {0.1, 0}, {0.1, 0.1}, {0, 0.1}, {0, 0}}},
		StartDate:  "2024-01-01",
		EndDate:    "2024-03-31",
		MaxCloud:   30,
		Bands:      []string{"B02", "B03", "B04", "B08"},
		Resolution: 10,
		OutputPath: filepath.Join(t.TempDir(), "copernicus_test.tif"),
	}
}

func TestAuthenticateStartsDeviceFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/protocol/openid-connect/auth/device", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cdse-public", r.Form.Get("client_id"))
		assert.Equal(t, "openid", r.Form.Get("scope"))
		json.NewEncoder(w).Encode(deviceAuthResponse{
			DeviceCode:              "dev-1",
			UserCode:                "WXYZ-1234",
			VerificationURI:         "https://identity.example.com/device",
			VerificationURIComplete: "https://identity.example.com/device?user_code=WXYZ-1234",
			ExpiresIn:               600,
			Interval:                5,
		})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	res, err := p.Authenticate(context.Background(), models.Credentials{})
	require.NoError(t, err)
	require.NotNil(t, res.Pending)

	assert.False(t, res.Ready)
	assert.Equal(t, "dev-1", res.Pending.DeviceCode)
	assert.Equal(t, "WXYZ-1234", res.Pending.UserCode)
	assert.Equal(t, "https://identity.example.com/device?user_code=WXYZ-1234", res.Pending.VerificationURI)
	assert.Equal(t, 5*time.Second, res.Pending.Interval)
	assert.WithinDuration(t, time.Now().Add(180*time.Second), res.Pending.ExpiresAt, 5*time.Second)
}

func TestAuthenticateIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	_, err := p.Authenticate(context.Background(), models.Credentials{})
	assert.ErrorIs(t, err, provider.ErrAuthRequired)
}

func TestPollToken(t *testing.T) {
	var answers []tokenResponse
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/protocol/openid-connect/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, deviceGrant, r.Form.Get("grant_type"))
		assert.Equal(t, "dev-1", r.Form.Get("device_code"))

		mu.Lock()
		next := answers[0]
		answers = answers[1:]
		mu.Unlock()
		if next.Error != "" {
			w.WriteHeader(http.StatusBadRequest)
		}
		json.NewEncoder(w).Encode(next)
	}))
	defer srv.Close()

	answers = []tokenResponse{
		{Error: "authorization_pending"},
		{Error: "slow_down"},
		{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 3600},
	}

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	pending := &models.PendingAuth{DeviceCode: "dev-1", Interval: 3 * time.Second}

	done, err := p.PollToken(context.Background(), pending)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = p.PollToken(context.Background(), pending)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = p.PollToken(context.Background(), pending)
	require.NoError(t, err)
	assert.True(t, done)

	tok, err := p.validToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
}

func TestPollTokenTerminalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(tokenResponse{Error: "access_denied", ErrorDesc: "user refused"})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	done, err := p.PollToken(context.Background(), &models.PendingAuth{DeviceCode: "dev-1"})
	assert.False(t, done)
	assert.ErrorIs(t, err, provider.ErrAuthRequired)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestPollTokenWithoutPending(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	_, err := p.PollToken(context.Background(), nil)
	assert.ErrorIs(t, err, provider.ErrNotPending)
}

func TestValidTokenRefreshesStaleToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: 3600})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	p.setTokens(tokenResponse{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 1})

	tok, err := p.validToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
}

func TestRunRequiresLogin(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrAuthRequired)
}

// openeoBackend fakes the batch-job surface of an openEO backend.
type openeoBackend struct {
	mu        sync.Mutex
	polls     int
	jobBody   map[string]any
	pollUntil int    // polls that answer "running" before "finished"
	jobStatus string // overrides the poll sequence when set
	fileBytes []byte
}

func (b *openeoBackend) handler(t *testing.T, baseURL func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		b.mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b.jobBody))
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(jobDescription{ID: "job-1"})
	})
	mux.HandleFunc("POST /jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.polls++
		status := "running"
		if b.jobStatus != "" {
			status = b.jobStatus
		} else if b.polls > b.pollUntil {
			status = "finished"
		}
		b.mu.Unlock()
		json.NewEncoder(w).Encode(jobDescription{ID: "job-1", Status: status})
	})
	mux.HandleFunc("GET /jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"assets": map[string]any{
				"openEO.tif": map[string]any{"href": baseURL() + "/files/openEO.tif"},
			},
		})
	})
	mux.HandleFunc("GET /files/openEO.tif", func(w http.ResponseWriter, r *http.Request) {
		w.Write(b.fileBytes)
	})
	return mux
}

func TestRunBatchJobToCompletion(t *testing.T) {
	backend := &openeoBackend{pollUntil: 2, fileBytes: []byte("GTiff bytes")}
	var srv *httptest.Server
	srv = httptest.NewServer(backend.handler(t, func() string { return srv.URL }))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	p.setTokens(tokenResponse{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 3600})

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
	assert.Equal(t, []byte("GTiff bytes"), data)

	// The submitted process graph carries the full pipeline.
	process := backend.jobBody["process"].(map[string]any)
	graph := process["process_graph"].(map[string]any)
	for _, node := range []string{"load", "scl", "cloudmask", "optical", "masked", "median", "clip", "save"} {
		assert.Contains(t, graph, node)
	}
	load := graph["load"].(map[string]any)["arguments"].(map[string]any)
	assert.Equal(t, "SENTINEL2_L2A", load["id"])
	assert.ElementsMatch(t, []any{"B02", "B03", "B04", "B08", "SCL"}, load["bands"])
}

func TestRunBackendJobError(t *testing.T) {
	backend := &openeoBackend{jobStatus: "error"}
	var srv *httptest.Server
	srv = httptest.NewServer(backend.handler(t, func() string { return srv.URL }))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	p.setTokens(tokenResponse{AccessToken: "access-1", ExpiresIn: 3600})

	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrRemoteService)
	assert.Contains(t, err.Error(), "failed")
}

func TestRunExpiredTokenSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Both the refresh grant and the job creation answer 401.
		if r.URL.Path == "/protocol/openid-connect/token" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(tokenResponse{Error: "invalid_grant"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	p.setTokens(tokenResponse{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 1})

	_, err := p.Run(context.Background(), testSpec(t), func(int, string) {})
	assert.ErrorIs(t, err, provider.ErrTokenExpired)
}

func TestProcessGraphMasksEverySCLClass(t *testing.T) {
	p := NewProvider(testConfig("http://127.0.0.1:0"), config.DefaultPolicy())
	spec := testSpec(t)
	spec.Bands = []string{"blue", "nir"}

	graph, err := p.processGraph(spec)
	require.NoError(t, err)

	mask := graph["cloudmask"].(map[string]any)["arguments"].(map[string]any)["process"].(map[string]any)["process_graph"].(map[string]any)
	eqCount, orCount := 0, 0
	var classes []int
	for _, node := range mask {
		args := node.(map[string]any)["arguments"].(map[string]any)
		switch node.(map[string]any)["process_id"] {
		case "eq":
			eqCount++
			classes = append(classes, args["y"].(int))
		case "or":
			orCount++
		}
	}
	assert.Equal(t, len(sclMaskClasses), eqCount)
	assert.Equal(t, len(sclMaskClasses)-1, orCount)
	assert.ElementsMatch(t, sclMaskClasses, classes)

	// Generic band names are translated before loading.
	load := graph["load"].(map[string]any)["arguments"].(map[string]any)
	assert.ElementsMatch(t, []string{"B02", "B08", "SCL"}, load["bands"])

	optical := graph["optical"].(map[string]any)["arguments"].(map[string]any)
	assert.Equal(t, []string{"B02", "B08"}, optical["bands"])
}

func TestPollJobToleratesTransientErrors(t *testing.T) {
	var mu sync.Mutex
	fails := 3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(jobDescription{ID: "job-1", Status: "finished"})
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	err := p.pollJob(context.Background(), "access-1", "job-1", func(int, string) {})
	assert.NoError(t, err)
}

func TestPollJobGivesUpAfterConsecutiveErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(srv.URL), config.DefaultPolicy())
	err := p.pollJob(context.Background(), "access-1", "job-1", func(int, string) {})
	require.ErrorIs(t, err, provider.ErrRemoteService)
	assert.Contains(t, err.Error(), fmt.Sprintf("%d consecutive", maxConsecutivePollErrors))
}

func TestPollJobHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jobDescription{ID: "job-1", Status: "running"})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.JobPollEvery = time.Hour
	p := NewProvider(cfg, config.DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := p.pollJob(ctx, "access-1", "job-1", func(int, string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
