// Package provider defines the adapter contract shared by the three imagery
// backends: the registry type the dispatcher resolves adapters through, and
// the sentinel errors every adapter reports with. Construction of the
// production adapters lives in the registry subpackage so the adapters can
// import this package for the sentinels.
package provider

import (
	"fmt"

	"github.com/satimage/compositor/pkg/models"
)

// Registry maps provider identifiers to their adapters.
type Registry map[models.Provider]models.ImageryProvider

// Resolve returns the adapter for p, or an error naming the known set.
func (r Registry) Resolve(p models.Provider) (models.ImageryProvider, error) {
	adapter, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: must be one of gee, copernicus, planetary", p)
	}
	return adapter, nil
}
