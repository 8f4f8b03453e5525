// Package openeo implements the Copernicus Data Space adapter. Login is an
// OIDC device flow whose poll loop is owned by the session tracker; composite
// runs are openEO batch jobs polled to completion on the backend.
package openeo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

// SCL classes masked out before compositing: saturated, dark, cloud shadow,
// medium/high cloud, cirrus, snow.
var sclMaskClasses = []int{1, 2, 3, 8, 9, 10, 11}

const deviceGrant = "urn:ietf:params:oauth:grant-type:device_code"

// Provider implements models.ImageryProvider for the Copernicus openEO backend.
type Provider struct {
	cfg    config.CopernicusConfig
	policy config.PolicyConfig
	client *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
}

func NewProvider(cfg config.CopernicusConfig, policy config.PolicyConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		policy: policy,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (p *Provider) Name() models.Provider { return models.ProviderCopernicus }

func (p *Provider) RequiresAuth() bool { return true }

// --- device flow ---

type deviceAuthResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Authenticate requests a device code and returns immediately with the
// verification URL; the tracker polls PollToken until the user approves.
func (p *Provider) Authenticate(ctx context.Context, _ models.Credentials) (models.AuthResult, error) {
	if tok, _ := p.validToken(ctx); tok != "" {
		return models.AuthResult{Ready: true, Message: "Copernicus already authenticated."}, nil
	}

	form := url.Values{
		"client_id": {p.cfg.ClientID},
		"scope":     {"openid"},
	}
	var da deviceAuthResponse
	if err := p.postForm(ctx, p.cfg.OIDCIssuer+"/protocol/openid-connect/auth/device", form, &da); err != nil {
		return models.AuthResult{}, fmt.Errorf("%w: device authorization request: %v", provider.ErrAuthRequired, err)
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return models.AuthResult{}, fmt.Errorf("%w: device authorization response was incomplete", provider.ErrAuthRequired)
	}

	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = p.cfg.DevicePollEvery
	}
	deadline := p.cfg.DevicePollMax
	if da.ExpiresIn > 0 && time.Duration(da.ExpiresIn)*time.Second < deadline {
		deadline = time.Duration(da.ExpiresIn) * time.Second
	}

	return models.AuthResult{
		Message: "Open the link and authorize access. Waiting for confirmation...",
		Pending: &models.PendingAuth{
			VerificationURI: uri,
			UserCode:        da.UserCode,
			DeviceCode:      da.DeviceCode,
			Interval:        interval,
			ExpiresAt:       time.Now().Add(deadline),
		},
	}, nil
}

// PollToken performs one device-token poll. authorization_pending and
// slow_down keep the flow alive; any other OAuth error is terminal.
func (p *Provider) PollToken(ctx context.Context, pending *models.PendingAuth) (bool, error) {
	if pending == nil || pending.DeviceCode == "" {
		return false, provider.ErrNotPending
	}

	form := url.Values{
		"grant_type":  {deviceGrant},
		"device_code": {pending.DeviceCode},
		"client_id":   {p.cfg.ClientID},
	}
	var tok tokenResponse
	if err := p.postForm(ctx, p.tokenURL(), form, &tok); err != nil {
		// Transport-level hiccups keep the poll alive; the deadline bounds them.
		slog.Warn("copernicus device poll failed", "error", err)
		return false, nil
	}

	switch tok.Error {
	case "":
		p.setTokens(tok)
		return true, nil
	case "authorization_pending", "slow_down":
		return false, nil
	default:
		return false, fmt.Errorf("%w: device flow %s: %s", provider.ErrAuthRequired, tok.Error, tok.ErrorDesc)
	}
}

func (p *Provider) tokenURL() string {
	return p.cfg.OIDCIssuer + "/protocol/openid-connect/token"
}

func (p *Provider) setTokens(tok tokenResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = tok.AccessToken
	p.refreshToken = tok.RefreshToken
	p.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
}

// validToken returns a usable access token, refreshing through the OIDC
// refresh grant when the cached one is stale.
func (p *Provider) validToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	access, refresh, expiry := p.accessToken, p.refreshToken, p.expiry
	p.mu.Unlock()

	if access == "" {
		return "", fmt.Errorf("%w: Copernicus login has not completed", provider.ErrAuthRequired)
	}
	if time.Until(expiry) > 30*time.Second {
		return access, nil
	}
	if refresh == "" {
		return "", fmt.Errorf("%w: access token expired and no refresh token is cached", provider.ErrTokenExpired)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {p.cfg.ClientID},
	}
	var tok tokenResponse
	if err := p.postForm(ctx, p.tokenURL(), form, &tok); err != nil || tok.Error != "" || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: refresh failed (%v %s)", provider.ErrTokenExpired, err, tok.Error)
	}
	p.setTokens(tok)
	return tok.AccessToken, nil
}

func (p *Provider) postForm(ctx context.Context, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// OAuth endpoints answer 400 with a JSON error body; decode either way.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// --- batch job run ---

type jobDescription struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type jobResults struct {
	Assets map[string]struct {
		Href string `json:"href"`
	} `json:"assets"`
}

// Statuses the backend reports mapped onto the job's 60–90% window.
var statusProgress = map[string]int{
	"created":  60,
	"queued":   65,
	"running":  75,
	"finished": 90,
}

const maxConsecutivePollErrors = 20

// Run submits a batch job computing a cloud-masked temporal median and polls
// it to completion, then downloads the resulting GeoTIFF.
func (p *Provider) Run(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error) {
	token, err := p.validToken(ctx)
	if err != nil {
		return "", err
	}

	report(10, "Loading Sentinel-2 L2A collection...")
	graph, err := p.processGraph(spec)
	if err != nil {
		return "", err
	}

	report(55, "Creating batch job on the Copernicus backend...")
	jobID, err := p.createJob(ctx, token, graph)
	if err != nil {
		return "", err
	}

	report(58, "Starting batch job...")
	if err := p.startJob(ctx, token, jobID); err != nil {
		return "", err
	}

	report(60, "Waiting for the Copernicus backend...")
	if err := p.pollJob(ctx, token, jobID, report); err != nil {
		return "", err
	}

	report(90, "Downloading result...")
	if err := p.downloadResult(ctx, token, jobID, spec.OutputPath); err != nil {
		return "", err
	}

	report(100, "Done.")
	return spec.OutputPath, nil
}

// processGraph builds the openEO pipeline: load with scene cloud filter, SCL
// pixel mask, band selection, temporal median, clip to the exact polygon,
// GTiff result.
func (p *Provider) processGraph(spec models.RunSpec) (map[string]any, error) {
	bands := p.policy.TranslateBands(models.ProviderCopernicus, spec.Bands)
	loadBands := append([]string{}, bands...)
	if !contains(loadBands, "SCL") {
		loadBands = append(loadBands, "SCL")
	}

	bound := spec.Geometry.Bound()
	region, err := geojson.NewGeometry(spec.Geometry).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding AOI geometry: %w", err)
	}
	var regionDoc any
	if err := json.Unmarshal(region, &regionDoc); err != nil {
		return nil, fmt.Errorf("round-tripping AOI geometry: %w", err)
	}

	// Per-pixel SCL mask: eq per masked class, folded with or.
	maskGraph := map[string]any{}
	prev := ""
	for i, class := range sclMaskClasses {
		eqID := fmt.Sprintf("eq%d", i)
		maskGraph[eqID] = map[string]any{
			"process_id": "eq",
			"arguments": map[string]any{
				"x": map[string]any{"from_parameter": "x"},
				"y": class,
			},
		}
		if prev == "" {
			prev = eqID
			continue
		}
		orID := fmt.Sprintf("or%d", i)
		maskGraph[orID] = map[string]any{
			"process_id": "or",
			"arguments": map[string]any{
				"x": map[string]any{"from_node": prev},
				"y": map[string]any{"from_node": eqID},
			},
		}
		prev = orID
	}
	maskGraph[prev].(map[string]any)["result"] = true

	graph := map[string]any{
		"load": map[string]any{
			"process_id": "load_collection",
			"arguments": map[string]any{
				"id": "SENTINEL2_L2A",
				"spatial_extent": map[string]any{
					"west": bound.Min[0], "south": bound.Min[1],
					"east": bound.Max[0], "north": bound.Max[1],
				},
				"temporal_extent": []string{spec.StartDate, spec.EndDate},
				"bands":           loadBands,
				"properties": map[string]any{
					"eo:cloud_cover": map[string]any{
						"process_graph": map[string]any{
							"cc": map[string]any{
								"process_id": "lte",
								"arguments": map[string]any{
									"x": map[string]any{"from_parameter": "value"},
									"y": spec.MaxCloud,
								},
								"result": true,
							},
						},
					},
				},
			},
		},
		"scl": map[string]any{
			"process_id": "filter_bands",
			"arguments": map[string]any{
				"data":  map[string]any{"from_node": "load"},
				"bands": []string{"SCL"},
			},
		},
		"cloudmask": map[string]any{
			"process_id": "apply",
			"arguments": map[string]any{
				"data":    map[string]any{"from_node": "scl"},
				"process": map[string]any{"process_graph": maskGraph},
			},
		},
		"optical": map[string]any{
			"process_id": "filter_bands",
			"arguments": map[string]any{
				"data":  map[string]any{"from_node": "load"},
				"bands": bands,
			},
		},
		"masked": map[string]any{
			"process_id": "mask",
			"arguments": map[string]any{
				"data": map[string]any{"from_node": "optical"},
				"mask": map[string]any{"from_node": "cloudmask"},
			},
		},
		"median": map[string]any{
			"process_id": "reduce_dimension",
			"arguments": map[string]any{
				"data":      map[string]any{"from_node": "masked"},
				"dimension": "t",
				"reducer": map[string]any{
					"process_graph": map[string]any{
						"m": map[string]any{
							"process_id": "median",
							"arguments":  map[string]any{"data": map[string]any{"from_parameter": "data"}},
							"result":     true,
						},
					},
				},
			},
		},
		"clip": map[string]any{
			"process_id": "filter_spatial",
			"arguments": map[string]any{
				"data":       map[string]any{"from_node": "median"},
				"geometries": regionDoc,
			},
		},
		"save": map[string]any{
			"process_id": "save_result",
			"arguments": map[string]any{
				"data":   map[string]any{"from_node": "clip"},
				"format": "GTiff",
			},
			"result": true,
		},
	}
	return graph, nil
}

func (p *Provider) createJob(ctx context.Context, token string, graph map[string]any) (string, error) {
	body := map[string]any{
		"title":   "Compositor Sentinel-2 median",
		"process": map[string]any{"process_graph": graph},
	}
	var created jobDescription
	status, err := p.doJSON(ctx, http.MethodPost, p.cfg.OpenEOURL+"/jobs", token, body, &created)
	if err != nil {
		return "", fmt.Errorf("%w: creating job: %v", provider.ErrRemoteService, err)
	}
	if status == http.StatusUnauthorized {
		return "", fmt.Errorf("%w: backend returned 401 on job creation", provider.ErrTokenExpired)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("%w: job creation returned status %d", provider.ErrRemoteService, status)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: job creation response carried no id", provider.ErrRemoteService)
	}
	return created.ID, nil
}

func (p *Provider) startJob(ctx context.Context, token, jobID string) error {
	status, err := p.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/jobs/%s/results", p.cfg.OpenEOURL, jobID), token, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: starting job: %v", provider.ErrRemoteService, err)
	}
	if status != http.StatusAccepted && status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("%w: job start returned status %d", provider.ErrRemoteService, status)
	}
	return nil
}

// pollJob polls the job description until it finishes, tolerating transient
// backend errors up to a consecutive cap, bounded by the job timeout.
func (p *Provider) pollJob(ctx context.Context, token, jobID string, report models.Progress) error {
	deadline := time.Now().Add(p.cfg.JobTimeout)
	consecutive := 0

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: job did not finish within %s", provider.ErrRemoteService, p.cfg.JobTimeout)
		}

		var desc jobDescription
		status, err := p.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/jobs/%s", p.cfg.OpenEOURL, jobID), token, nil, &desc)
		if err != nil || status != http.StatusOK {
			consecutive++
			slog.Warn("copernicus job poll failed", "job", jobID, "attempt", consecutive, "status", status, "error", err)
			if consecutive >= maxConsecutivePollErrors {
				return fmt.Errorf("%w: %d consecutive poll failures, backend may be down", provider.ErrRemoteService, consecutive)
			}
			report(70, fmt.Sprintf("Copernicus backend unstable, retrying (%d/%d)...", consecutive, maxConsecutivePollErrors))
			if !sleepCtx(ctx, p.cfg.JobPollEvery) {
				return fmt.Errorf("%w: cancelled while polling job", provider.ErrRemoteService)
			}
			continue
		}
		consecutive = 0

		pct, ok := statusProgress[desc.Status]
		if !ok {
			pct = 70
		}
		report(pct, fmt.Sprintf("Backend job status: %s", desc.Status))

		switch desc.Status {
		case "finished":
			return nil
		case "error":
			return fmt.Errorf("%w: backend job failed", provider.ErrRemoteService)
		case "canceled":
			return fmt.Errorf("%w: backend job was canceled", provider.ErrRemoteService)
		}

		if !sleepCtx(ctx, p.cfg.JobPollEvery) {
			return fmt.Errorf("%w: cancelled while polling job", provider.ErrRemoteService)
		}
	}
}

func (p *Provider) downloadResult(ctx context.Context, token, jobID, outputPath string) error {
	var results jobResults
	status, err := p.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/jobs/%s/results", p.cfg.OpenEOURL, jobID), token, nil, &results)
	if err != nil || status != http.StatusOK {
		return fmt.Errorf("%w: fetching results (status %d): %v", provider.ErrRemoteService, status, err)
	}
	if len(results.Assets) == 0 {
		return fmt.Errorf("%w: job finished with no assets", provider.ErrRemoteService)
	}

	var href string
	for _, asset := range results.Assets {
		href = asset.Href
		break
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: downloading result: %v", provider.ErrRemoteService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: result download returned status %d", provider.ErrRemoteService, resp.StatusCode)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: writing result: %v", provider.ErrRemoteService, err)
	}
	return nil
}

// doJSON issues an authenticated JSON request, decoding into out when
// non-nil. It returns the HTTP status alongside transport errors so callers
// can branch on both.
func (p *Provider) doJSON(ctx context.Context, method, u, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ models.ImageryProvider = (*Provider)(nil)
