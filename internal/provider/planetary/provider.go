// Package planetary implements the Microsoft Planetary Computer adapter.
// The data is public, so there is no login; scenes come from the STAC
// catalog and the composite is computed by the data API.
package planetary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/paulmach/orb/geojson"

	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/geo"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

const stacCollection = "landsat-c2-l2"

// Provider implements models.ImageryProvider for the Planetary Computer.
type Provider struct {
	cfg    config.PlanetaryConfig
	policy config.PolicyConfig
	client *http.Client
}

func NewProvider(cfg config.PlanetaryConfig, policy config.PolicyConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		policy: policy,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (p *Provider) Name() models.Provider { return models.ProviderPlanetary }

func (p *Provider) RequiresAuth() bool { return false }

// Authenticate is a no-op: the catalog is public.
func (p *Provider) Authenticate(context.Context, models.Credentials) (models.AuthResult, error) {
	return models.AuthResult{Ready: true, Message: "Public access, no authentication required."}, nil
}

func (p *Provider) PollToken(context.Context, *models.PendingAuth) (bool, error) {
	return false, provider.ErrNotPending
}

type stacSearchRequest struct {
	Collections []string       `json:"collections"`
	BBox        [4]float64     `json:"bbox"`
	Datetime    string         `json:"datetime"`
	Query       map[string]any `json:"query"`
	Limit       int            `json:"limit"`
}

type stacSearchResponse struct {
	Features []struct {
		ID string `json:"id"`
	} `json:"features"`
}

type mosaicRequest struct {
	Collection string          `json:"collection"`
	Items      []string        `json:"items"`
	Assets     []string        `json:"assets"`
	Region     json.RawMessage `json:"region"`
	Resolution int             `json:"resolution"`
	Reducer    string          `json:"reducer"`
	Mask       string          `json:"mask"`
	Format     string          `json:"format"`
}

// Run searches the STAC catalog for matching Landsat 8/9 scenes and asks the
// data API for a cloud-masked median mosaic cropped to the AOI polygon.
func (p *Provider) Run(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error) {
	if ceiling := p.policy.AreaCeilingKm2[models.ProviderPlanetary]; ceiling > 0 {
		if area := geo.AreaKm2(spec.Geometry); area > ceiling {
			return "", fmt.Errorf("%w: AOI is %.0f km2, ceiling for direct download is %.0f km2", provider.ErrAoiTooLarge, area, ceiling)
		}
	}

	report(5, "Searching the Planetary Computer catalog...")
	items, err := p.searchScenes(ctx, spec)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: widen the date range or raise the cloud ceiling", provider.ErrNoScenesFound)
	}
	report(15, fmt.Sprintf("%d scenes found.", len(items)))

	report(25, "Requesting median mosaic...")
	if err := p.downloadMosaic(ctx, spec, items, report); err != nil {
		return "", err
	}

	report(100, "Done.")
	return spec.OutputPath, nil
}

// searchScenes returns the ids of catalog items intersecting the AOI and
// date range under the scene cloud-cover ceiling.
func (p *Provider) searchScenes(ctx context.Context, spec models.RunSpec) ([]string, error) {
	req := stacSearchRequest{
		Collections: []string{stacCollection},
		BBox:        geo.BBox(spec.Geometry),
		Datetime:    fmt.Sprintf("%s/%s", spec.StartDate, spec.EndDate),
		Query: map[string]any{
			"eo:cloud_cover": map[string]any{"lt": spec.MaxCloud},
			"platform":       map[string]any{"in": []string{"landsat-8", "landsat-9"}},
		},
		Limit: 250,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.STACURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog search: %v", provider.ErrRemoteService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog search returned status %d", provider.ErrRemoteService, resp.StatusCode)
	}

	var sr stacSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %v", provider.ErrRemoteService, err)
	}

	ids := make([]string, 0, len(sr.Features))
	for _, f := range sr.Features {
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// downloadMosaic streams the composite raster to spec.OutputPath.
func (p *Provider) downloadMosaic(ctx context.Context, spec models.RunSpec, items []string, report models.Progress) error {
	region, err := geojson.NewGeometry(spec.Geometry).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding AOI geometry: %w", err)
	}

	req := mosaicRequest{
		Collection: stacCollection,
		Items:      items,
		Assets:     p.policy.TranslateBands(models.ProviderPlanetary, spec.Bands),
		Region:     region,
		Resolution: spec.Resolution,
		Reducer:    "median",
		Mask:       "qa_pixel",
		Format:     "image/tiff; application=geotiff",
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding mosaic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.DataAPIURL+"/mosaic/crop", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building mosaic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: mosaic request: %v", provider.ErrRemoteService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: mosaic request returned status %d", provider.ErrRemoteService, resp.StatusCode)
	}

	report(65, "Computing median composite (this can take a few minutes)...")

	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: writing mosaic: %v", provider.ErrRemoteService, err)
	}
	report(90, "Exporting GeoTIFF...")
	return nil
}

var _ models.ImageryProvider = (*Provider)(nil)
