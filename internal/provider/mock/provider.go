// Package mock provides a configurable ImageryProvider double for tests.
package mock

import (
	"context"
	"time"

	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

// Provider satisfies models.ImageryProvider with overridable funcs.
type Provider struct {
	Name_            models.Provider
	RequiresAuth_    bool
	AuthenticateFunc func(ctx context.Context, creds models.Credentials) (models.AuthResult, error)
	PollTokenFunc    func(ctx context.Context, pending *models.PendingAuth) (bool, error)
	RunFunc          func(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error)
}

func (m *Provider) Name() models.Provider { return m.Name_ }

func (m *Provider) RequiresAuth() bool { return m.RequiresAuth_ }

func (m *Provider) Authenticate(ctx context.Context, creds models.Credentials) (models.AuthResult, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, creds)
	}
	return models.AuthResult{Ready: true, Message: "mock authenticated"}, nil
}

func (m *Provider) PollToken(ctx context.Context, pending *models.PendingAuth) (bool, error) {
	if m.PollTokenFunc != nil {
		return m.PollTokenFunc(ctx, pending)
	}
	return false, provider.ErrNotPending
}

func (m *Provider) Run(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, spec, report)
	}
	report(50, "mock halfway")
	return spec.OutputPath, nil
}

// NewReady returns a mock that authenticates synchronously and completes runs.
func NewReady(name models.Provider, requiresAuth bool) *Provider {
	return &Provider{Name_: name, RequiresAuth_: requiresAuth}
}

// NewFailing returns a mock whose runs always fail with err.
func NewFailing(name models.Provider, err error) *Provider {
	return &Provider{
		Name_: name,
		RunFunc: func(_ context.Context, _ models.RunSpec, _ models.Progress) (string, error) {
			return "", err
		},
	}
}

// NewPending returns a mock whose Authenticate starts a device flow with the
// given descriptor; PollTokenFunc still needs to be set by the test.
func NewPending(name models.Provider, pending *models.PendingAuth) *Provider {
	return &Provider{
		Name_:         name,
		RequiresAuth_: true,
		AuthenticateFunc: func(_ context.Context, _ models.Credentials) (models.AuthResult, error) {
			return models.AuthResult{Message: "complete the login", Pending: pending}, nil
		},
	}
}

// NewBlocking returns a mock whose Run blocks until release is closed, then
// succeeds. Useful for observing the processing state.
func NewBlocking(name models.Provider, release <-chan struct{}) *Provider {
	return &Provider{
		Name_: name,
		RunFunc: func(ctx context.Context, spec models.RunSpec, report models.Progress) (string, error) {
			report(10, "mock running")
			select {
			case <-release:
				return spec.OutputPath, nil
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(30 * time.Second):
				return "", context.DeadlineExceeded
			}
		},
	}
}

var _ models.ImageryProvider = (*Provider)(nil)
