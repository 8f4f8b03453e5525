package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/satimage/compositor/pkg/models"
)

// Config holds all configuration for the compositor server.
type Config struct {
	Server     ServerConfig
	Paths      PathsConfig
	GEE        GEEConfig
	Copernicus CopernicusConfig
	Planetary  PlanetaryConfig
	Policy     PolicyConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type PathsConfig struct {
	OutputsDir string
	UploadsDir string
}

type GEEConfig struct {
	Project         string
	CredentialsFile string
	ClientID        string
	ClientSecret    string
	APIBaseURL      string
	AuthTimeout     time.Duration
	DownloadTimeout time.Duration
}

type CopernicusConfig struct {
	OpenEOURL       string
	OIDCIssuer      string
	ClientID        string
	RequestTimeout  time.Duration
	DevicePollEvery time.Duration
	DevicePollMax   time.Duration
	JobPollEvery    time.Duration
	JobTimeout      time.Duration
}

type PlanetaryConfig struct {
	STACURL        string
	DataAPIURL     string
	RequestTimeout time.Duration
}

// PolicyConfig carries the per-provider tables the adapters consult: default
// bands and resolutions, the generic→native band vocabulary, and the AOI area
// ceilings for direct-download providers (0 means unlimited).
type PolicyConfig struct {
	DefaultBands      map[string][]string
	DefaultResolution map[string]int
	BandAliases       map[models.Provider]map[string]string
	AreaCeilingKm2    map[models.Provider]float64
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns a descriptive error if any value is missing or invalid.
func Load() (*Config, error) {
	base := envString("COMPOSITOR_DATA_DIR", ".")

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("COMPOSITOR_PORT", 8080),
			Env:  envString("COMPOSITOR_ENV", "development"),
		},
		Paths: PathsConfig{
			OutputsDir: envString("COMPOSITOR_OUTPUTS_DIR", filepath.Join(base, "outputs")),
			UploadsDir: envString("COMPOSITOR_UPLOADS_DIR", filepath.Join(base, "uploads")),
		},
		GEE: GEEConfig{
			Project:         os.Getenv("GEE_PROJECT"),
			CredentialsFile: envString("GEE_CREDENTIALS_FILE", defaultGEECredentialsFile()),
			ClientID:        os.Getenv("GEE_OAUTH_CLIENT_ID"),
			ClientSecret:    os.Getenv("GEE_OAUTH_CLIENT_SECRET"),
			APIBaseURL:      envString("GEE_API_BASE_URL", "https://earthengine.googleapis.com/v1"),
			AuthTimeout:     envDuration("GEE_AUTH_TIMEOUT", 2*time.Minute),
			DownloadTimeout: envDuration("GEE_DOWNLOAD_TIMEOUT", 10*time.Minute),
		},
		Copernicus: CopernicusConfig{
			OpenEOURL:       envString("OPENEO_BACKEND_URL", "https://openeo.dataspace.copernicus.eu/openeo/1.2"),
			OIDCIssuer:      envString("COPERNICUS_OIDC_ISSUER", "https://identity.dataspace.copernicus.eu/auth/realms/CDSE"),
			ClientID:        envString("COPERNICUS_OIDC_CLIENT_ID", "cdse-public"),
			RequestTimeout:  envDuration("OPENEO_REQUEST_TIMEOUT", 60*time.Second),
			DevicePollEvery: envDuration("COPERNICUS_DEVICE_POLL_INTERVAL", 3*time.Second),
			DevicePollMax:   envDuration("COPERNICUS_DEVICE_POLL_TIMEOUT", 180*time.Second),
			JobPollEvery:    envDuration("OPENEO_JOB_POLL_INTERVAL", 15*time.Second),
			JobTimeout:      envDuration("OPENEO_JOB_TIMEOUT", 30*time.Minute),
		},
		Planetary: PlanetaryConfig{
			STACURL:        envString("PLANETARY_STAC_URL", "https://planetarycomputer.microsoft.com/api/stac/v1"),
			DataAPIURL:     envString("PLANETARY_DATA_API_URL", "https://planetarycomputer.microsoft.com/api/data/v1"),
			RequestTimeout: envDuration("PLANETARY_REQUEST_TIMEOUT", 10*time.Minute),
		},
		Policy: DefaultPolicy(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPolicy returns the stock policy tables. Values mirror each
// provider's native product: Sentinel-2 10 m optical bands for gee and
// copernicus, Landsat Collection 2 30 m for the landsat paths.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		DefaultBands: map[string][]string{
			"gee/sentinel2": {"B2", "B3", "B4", "B8"},
			"gee/landsat":   {"SR_B2", "SR_B3", "SR_B4", "SR_B5"},
			"copernicus":    {"B02", "B03", "B04", "B08"},
			"planetary":     {"blue", "green", "red", "nir08"},
		},
		DefaultResolution: map[string]int{
			"gee/sentinel2": 10,
			"gee/landsat":   30,
			"copernicus":    10,
			"planetary":     30,
		},
		BandAliases: map[models.Provider]map[string]string{
			models.ProviderGEE: {
				"blue": "B2", "green": "B3", "red": "B4", "nir": "B8",
			},
			models.ProviderCopernicus: {
				"blue": "B02", "green": "B03", "red": "B04", "nir": "B08",
			},
			models.ProviderPlanetary: {
				"blue": "blue", "green": "green", "red": "red", "nir": "nir08",
			},
		},
		AreaCeilingKm2: map[models.Provider]float64{
			models.ProviderGEE:        2500,  // getDownloadURL rejects large exports
			models.ProviderPlanetary:  10000, // direct mosaic download
			models.ProviderCopernicus: 0,     // batch backend, server-side quota
		},
	}
}

// BandKey returns the policy-table key for a provider and gee collection.
func BandKey(p models.Provider, collection string) string {
	if p == models.ProviderGEE {
		if collection == "" {
			collection = "sentinel2"
		}
		return "gee/" + collection
	}
	return string(p)
}

// TranslateBands maps generic band names (blue, green, red, nir) to the
// provider's native names. Names without an alias pass through unchanged so
// native names always work.
func (p PolicyConfig) TranslateBands(prov models.Provider, bands []string) []string {
	aliases := p.BandAliases[prov]
	out := make([]string, len(bands))
	for i, b := range bands {
		if native, ok := aliases[b]; ok {
			out[i] = native
		} else {
			out[i] = b
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("COMPOSITOR_PORT must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Paths.OutputsDir == "" {
		return fmt.Errorf("COMPOSITOR_OUTPUTS_DIR must not be empty")
	}
	if c.Copernicus.DevicePollEvery <= 0 {
		return fmt.Errorf("COPERNICUS_DEVICE_POLL_INTERVAL must be positive")
	}
	if c.Copernicus.DevicePollMax < c.Copernicus.DevicePollEvery {
		return fmt.Errorf("COPERNICUS_DEVICE_POLL_TIMEOUT must be at least the poll interval")
	}
	return nil
}

func defaultGEECredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "earthengine", "credentials")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
