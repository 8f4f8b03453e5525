// Package registry wires the production provider adapters. It sits above
// both the adapter packages and the provider package, keeping the adapters
// free to import provider for its sentinel errors.
package registry

import (
	"github.com/satimage/compositor/internal/config"
	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/internal/provider/gee"
	"github.com/satimage/compositor/internal/provider/openeo"
	"github.com/satimage/compositor/internal/provider/planetary"
	"github.com/satimage/compositor/pkg/models"
)

// New constructs the three production adapters from config.
// Called once at server startup.
func New(cfg *config.Config) provider.Registry {
	return provider.Registry{
		models.ProviderGEE:        gee.NewProvider(cfg.GEE, cfg.Policy),
		models.ProviderCopernicus: openeo.NewProvider(cfg.Copernicus, cfg.Policy),
		models.ProviderPlanetary:  planetary.NewProvider(cfg.Planetary, cfg.Policy),
	}
}
