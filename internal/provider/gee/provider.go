// Package gee implements the Google Earth Engine adapter: interactive OAuth
// login (or cached-token reuse) and server-side median composites fetched
// through a download URL.
package gee

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/oauth2"

	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/geo"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

const (
	authURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL = "https://oauth2.googleapis.com/token"
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/earthengine",
	"https://www.googleapis.com/auth/cloud-platform",
}

var projectIDRe = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)

// Provider implements models.ImageryProvider for Google Earth Engine.
type Provider struct {
	cfg    config.GEEConfig
	policy config.PolicyConfig
	client *http.Client

	mu      sync.Mutex
	tokens  oauth2.TokenSource
	project string
}

func NewProvider(cfg config.GEEConfig, policy config.PolicyConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		policy: policy,
		client: &http.Client{Timeout: cfg.DownloadTimeout},
	}
}

func (p *Provider) Name() models.Provider { return models.ProviderGEE }

func (p *Provider) RequiresAuth() bool { return true }

// Authenticate logs in to Earth Engine. Cached credentials are tried first;
// otherwise a localhost OAuth flow runs and blocks until the user completes
// the browser step or the auth timeout expires.
func (p *Provider) Authenticate(ctx context.Context, creds models.Credentials) (models.AuthResult, error) {
	if creds.ProjectID != "" && !projectIDRe.MatchString(creds.ProjectID) {
		return models.AuthResult{}, fmt.Errorf("%w: invalid project id %q", provider.ErrAuthRequired, creds.ProjectID)
	}

	if ts, err := p.cachedTokenSource(ctx); err == nil {
		p.setSession(ts, creds.ProjectID)
		return models.AuthResult{Ready: true, Message: "Earth Engine authenticated from cached credentials."}, nil
	} else {
		slog.Info("gee cached credentials unavailable", "error", err)
	}

	ts, err := p.browserFlow(ctx)
	if err != nil {
		return models.AuthResult{}, fmt.Errorf("%w: %v", provider.ErrAuthRequired, err)
	}
	p.setSession(ts, creds.ProjectID)
	return models.AuthResult{Ready: true, Message: "Earth Engine authenticated via browser flow."}, nil
}

func (p *Provider) PollToken(context.Context, *models.PendingAuth) (bool, error) {
	return false, provider.ErrNotPending
}

func (p *Provider) setSession(ts oauth2.TokenSource, project string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = ts
	if project != "" {
		p.project = project
	} else if p.project == "" {
		p.project = p.cfg.Project
	}
}

func (p *Provider) session() (oauth2.TokenSource, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens, p.project
}

func (p *Provider) oauthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" {
		clientID = p.cfg.ClientID
	}
	if clientSecret == "" {
		clientSecret = p.cfg.ClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		RedirectURL:  redirectURL,
		Scopes:       oauthScopes,
	}
}

// credentialsFile matches the layout the earthengine CLI caches on disk.
type credentialsFile struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// cachedTokenSource builds a refreshing token source from the cached
// credentials file, validating it with one token fetch.
func (p *Provider) cachedTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	raw, err := os.ReadFile(p.cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	var cf credentialsFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	if cf.RefreshToken == "" {
		return nil, errors.New("credentials file has no refresh token")
	}

	cfg := p.oauthConfig(cf.ClientID, cf.ClientSecret, "")
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cf.RefreshToken})
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("cached token refresh failed: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, ts), nil
}

// browserFlow runs the localhost redirect flow: a one-shot listener receives
// the authorization code while the user approves access in the browser.
func (p *Provider) browserFlow(ctx context.Context) (oauth2.TokenSource, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("starting redirect listener: %w", err)
	}
	defer ln.Close()

	redirect := fmt.Sprintf("http://%s/", ln.Addr().String())
	cfg := p.oauthConfig("", "", redirect)

	state, err := randomState()
	if err != nil {
		return nil, err
	}

	codeCh := make(chan string, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Earth Engine authorization received. You can close this tab.")
		codeCh <- r.URL.Query().Get("code")
	})}
	go srv.Serve(ln)
	defer srv.Close()

	url := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
	slog.Info("complete the Earth Engine login in your browser", "url", url)

	authCtx, cancel := context.WithTimeout(ctx, p.cfg.AuthTimeout)
	defer cancel()

	var code string
	select {
	case code = <-codeCh:
	case <-authCtx.Done():
		return nil, fmt.Errorf("browser flow timed out or was cancelled: %w", authCtx.Err())
	}
	if code == "" {
		return nil, errors.New("browser flow returned no authorization code")
	}

	tok, err := cfg.Exchange(authCtx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	p.saveCredentials(cfg, tok)
	return cfg.TokenSource(context.Background(), tok), nil
}

// saveCredentials caches the refresh token so later runs skip the browser.
func (p *Provider) saveCredentials(cfg *oauth2.Config, tok *oauth2.Token) {
	if p.cfg.CredentialsFile == "" || tok.RefreshToken == "" {
		return
	}
	raw, err := json.Marshal(credentialsFile{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: tok.RefreshToken,
	})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.CredentialsFile), 0o700); err != nil {
		slog.Warn("gee credentials cache dir", "error", err)
		return
	}
	if err := os.WriteFile(p.cfg.CredentialsFile, raw, 0o600); err != nil {
		slog.Warn("gee credentials cache write", "error", err)
	}
}

func randomState() (string, error) {
	var buf [16]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}

// compositeRequest is the server-side pipeline description: filter the
// collection, mask clouds, reduce to the temporal median and clip to the
// region polygon. The compute happens entirely in Earth Engine.
type compositeRequest struct {
	Collection     string          `json:"collection"`
	StartDate      string          `json:"startDate"`
	EndDate        string          `json:"endDate"`
	MaxCloudCover  int             `json:"maxCloudCover"`
	CloudProb      int             `json:"cloudProbability,omitempty"`
	Bands          []string        `json:"bands"`
	Scale          int             `json:"scale"`
	CRS            string          `json:"crs"`
	Region         json.RawMessage `json:"region"`
	Reducer        string          `json:"reducer"`
	Format         string          `json:"format"`
	ApplyScaleFact bool            `json:"applyScaleFactors,omitempty"`
}

type compositeResponse struct {
	URL        string `json:"url"`
	SceneCount int    `json:"sceneCount"`
}

// Run computes a median composite in Earth Engine and streams the resulting
// GeoTIFF to spec.OutputPath.
func (p *Provider) Run(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error) {
	ts, project := p.session()
	if ts == nil {
		return "", fmt.Errorf("%w: Earth Engine login has not completed", provider.ErrAuthRequired)
	}

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrTokenExpired, err)
	}

	if ceiling := p.policy.AreaCeilingKm2[models.ProviderGEE]; ceiling > 0 {
		if area := geo.AreaKm2(spec.Geometry); area > ceiling {
			return "", fmt.Errorf("%w: AOI is %.0f km2, ceiling for direct download is %.0f km2", provider.ErrAoiTooLarge, area, ceiling)
		}
	}

	report(5, "Building AOI geometry...")
	region, err := geojson.NewGeometry(spec.Geometry).MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encoding region: %w", err)
	}

	req := compositeRequest{
		StartDate:     spec.StartDate,
		EndDate:       spec.EndDate,
		MaxCloudCover: spec.MaxCloud,
		Bands:         p.policy.TranslateBands(models.ProviderGEE, spec.Bands),
		Scale:         spec.Resolution,
		CRS:           "EPSG:4326",
		Region:        region,
		Reducer:       "median",
		Format:        "GEO_TIFF",
	}
	switch spec.Collection {
	case "landsat":
		req.Collection = "LANDSAT/LC08/C02/T1_L2,LANDSAT/LC09/C02/T1_L2"
		req.ApplyScaleFact = true
		report(10, "Loading Landsat 8+9 collections...")
	default:
		req.Collection = "COPERNICUS/S2_SR_HARMONIZED"
		req.CloudProb = spec.CloudProb
		report(10, "Loading Sentinel-2 SR Harmonized collection...")
	}

	report(40, "Requesting median composite from Earth Engine...")
	dl, err := p.requestComposite(ctx, tok.AccessToken, project, req)
	if err != nil {
		return "", err
	}
	if dl.SceneCount == 0 {
		return "", fmt.Errorf("%w: widen the date range or raise the cloud ceiling", provider.ErrNoScenesFound)
	}

	report(70, "Downloading GeoTIFF...")
	if err := p.download(ctx, dl.URL, tok.AccessToken, spec.OutputPath, report); err != nil {
		return "", err
	}

	report(100, "Done.")
	return spec.OutputPath, nil
}

func (p *Provider) requestComposite(ctx context.Context, accessToken, project string, req compositeRequest) (*compositeResponse, error) {
	if project == "" {
		project = "earthengine-legacy"
	}
	u := fmt.Sprintf("%s/projects/%s/image:computeDownloadUrl", p.cfg.APIBaseURL, project)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding composite request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRemoteService, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: Earth Engine returned %d", provider.ErrTokenExpired, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: reduce the AOI or coarsen the resolution", provider.ErrAoiTooLarge)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: composite request failed with status %d", provider.ErrRemoteService, resp.StatusCode)
	}

	var dl compositeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dl); err != nil {
		return nil, fmt.Errorf("%w: decoding composite response: %v", provider.ErrRemoteService, err)
	}
	if dl.URL == "" {
		return nil, fmt.Errorf("%w: composite response carried no download url", provider.ErrRemoteService)
	}
	return &dl, nil
}

// download streams the signed URL to path, mapping byte progress onto the
// 70–95% window.
func (p *Provider) download(ctx context.Context, url, accessToken, path string, report models.Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrRemoteService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download failed with status %d", provider.ErrRemoteService, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 64*1024)
	lastPct := 70
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing output file: %w", err)
			}
			written += int64(n)
			if total > 0 {
				pct := 70 + int(float64(written)/float64(total)*25)
				if pct > 95 {
					pct = 95
				}
				if pct > lastPct {
					lastPct = pct
					report(pct, fmt.Sprintf("Downloading... %d KB", written/1024))
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: download interrupted: %v", provider.ErrRemoteService, readErr)
		}
	}
	return nil
}

var _ models.ImageryProvider = (*Provider)(nil)
