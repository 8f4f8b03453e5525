// Package models contains shared data models used across the compositor codebase.
package models

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// Provider identifies one of the supported imagery providers.
type Provider string

const (
	ProviderGEE        Provider = "gee"
	ProviderCopernicus Provider = "copernicus"
	ProviderPlanetary  Provider = "planetary"
)

// Known reports whether p is one of the supported providers.
func (p Provider) Known() bool {
	switch p {
	case ProviderGEE, ProviderCopernicus, ProviderPlanetary:
		return true
	}
	return false
}

// Credentials carries optional provider-specific login inputs.
type Credentials struct {
	// ProjectID is the optional Google Cloud project for Earth Engine.
	ProjectID string
}

// PendingAuth describes an in-progress OIDC device flow. It is plain data so
// the session tracker can drive and inspect the poll loop.
type PendingAuth struct {
	VerificationURI string
	UserCode        string
	DeviceCode      string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// AuthResult is the outcome of a provider login attempt. Either the provider
// is ready, or a device flow is pending and must be polled to completion.
type AuthResult struct {
	Ready   bool
	Message string
	Pending *PendingAuth
}

// RunSpec is the fully-resolved input to one composite run: defaults applied,
// bands still in the caller's vocabulary (adapters translate them).
type RunSpec struct {
	Geometry   orb.Geometry
	StartDate  string // YYYY-MM-DD
	EndDate    string // YYYY-MM-DD
	MaxCloud   int    // max scene cloud cover, percent
	CloudProb  int    // per-pixel cloud probability threshold (sentinel-2 only)
	Collection string // gee only: "sentinel2" or "landsat"
	Bands      []string
	Resolution int // ground sample distance in meters
	OutputPath string
}

// Progress reports incremental job progress from inside an adapter run.
type Progress func(pct int, message string)

// ImageryProvider is the uniform contract every provider adapter implements.
// Never call a concrete adapter directly — always inject this interface.
type ImageryProvider interface {
	// Name returns the provider identifier.
	Name() Provider
	// RequiresAuth reports whether the provider needs a login before Run.
	RequiresAuth() bool
	// Authenticate performs the provider's login flow. Device-flow providers
	// return a pending descriptor instead of blocking until completion.
	Authenticate(ctx context.Context, creds Credentials) (AuthResult, error)
	// PollToken performs one device-flow token poll. It returns true once the
	// token has been issued, and (false, nil) while authorization is pending.
	// Providers without a device flow return provider.ErrNotPending.
	PollToken(ctx context.Context, pending *PendingAuth) (bool, error)
	// Run produces a cloud-masked temporal median composite clipped to the AOI
	// and writes it to spec.OutputPath, returning the written path. The
	// compositing itself is delegated to the provider's backend.
	Run(ctx context.Context, spec RunSpec, report Progress) (string, error)
}
