// Package auth tracks per-provider authentication state: ready flags and the
// in-progress device-flow descriptor, with the poll loop that resolves it.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/satimage/compositor/internal/provider"
	"github.com/satimage/compositor/pkg/models"
)

// Tracker is the single writer of the shared per-provider ready flags.
// Reads take a consistent snapshot under the lock.
type Tracker struct {
	providers provider.Registry
	clk       clock.Clock

	// login serializes BeginLogin per provider so concurrent calls cannot
	// each start a device flow.
	login map[models.Provider]*sync.Mutex

	mu      sync.RWMutex
	ready   map[models.Provider]bool
	message map[models.Provider]string
	pending map[models.Provider]*models.PendingAuth
}

// New builds a tracker over the registry. Providers that need no login are
// ready from the start.
func New(providers provider.Registry, clk clock.Clock) *Tracker {
	t := &Tracker{
		providers: providers,
		clk:       clk,
		login:     make(map[models.Provider]*sync.Mutex),
		ready:     make(map[models.Provider]bool),
		message:   make(map[models.Provider]string),
		pending:   make(map[models.Provider]*models.PendingAuth),
	}
	for name, adapter := range providers {
		t.login[name] = &sync.Mutex{}
		if adapter.RequiresAuth() {
			t.message[name] = "Not authenticated"
			continue
		}
		t.ready[name] = true
		t.message[name] = "Public access, no authentication required."
	}
	return t
}

// Ready reports whether the provider can serve processing requests.
func (t *Tracker) Ready(p models.Provider) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready[p]
}

// Status returns a consistent snapshot of all three providers.
func (t *Tracker) Status() models.AuthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.AuthStatus{
		GEE:               t.ready[models.ProviderGEE],
		Copernicus:        t.ready[models.ProviderCopernicus],
		Planetary:         t.ready[models.ProviderPlanetary],
		GEEMessage:        t.message[models.ProviderGEE],
		CopernicusMessage: t.message[models.ProviderCopernicus],
		PlanetaryMessage:  t.message[models.ProviderPlanetary],
	}
}

// BeginLogin runs the adapter's login flow and records the outcome. A pending
// device flow starts one background poll goroutine; calling BeginLogin again
// while it is pending returns the same descriptor instead of starting over.
// Calls for the same provider serialize, so concurrent logins share one flow.
func (t *Tracker) BeginLogin(ctx context.Context, p models.Provider, creds models.Credentials) (models.AuthResult, error) {
	adapter, err := t.providers.Resolve(p)
	if err != nil {
		return models.AuthResult{}, err
	}

	lock := t.login[p]
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	if t.ready[p] {
		msg := t.message[p]
		t.mu.Unlock()
		return models.AuthResult{Ready: true, Message: msg}, nil
	}
	if pa := t.pending[p]; pa != nil && t.clk.Now().Before(pa.ExpiresAt) {
		t.mu.Unlock()
		return models.AuthResult{
			Message: "Authentication in progress. Complete the login at the link.",
			Pending: pa,
		}, nil
	}
	t.mu.Unlock()

	res, err := adapter.Authenticate(ctx, creds)
	if err != nil {
		t.mu.Lock()
		t.message[p] = fmt.Sprintf("Authentication failed: %v", err)
		t.mu.Unlock()
		return models.AuthResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case res.Ready:
		t.ready[p] = true
		t.pending[p] = nil
		t.message[p] = res.Message
	case res.Pending != nil:
		t.ready[p] = false
		t.pending[p] = res.Pending
		t.message[p] = res.Message
		go t.pollPending(p, adapter, res.Pending)
	default:
		t.message[p] = res.Message
	}
	return res, nil
}

// pollPending drives one device flow to completion: a tick per poll interval,
// hard-stopped at the descriptor's deadline. Timeout leaves the provider
// not-ready and discards the descriptor.
func (t *Tracker) pollPending(p models.Provider, adapter models.ImageryProvider, pa *models.PendingAuth) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in device-flow poll", "provider", p, "error", r)
			t.clearPending(p, "Authentication failed unexpectedly.")
		}
	}()

	ticker := t.clk.Ticker(pa.Interval)
	defer ticker.Stop()

	for range ticker.C {
		if !t.stillPending(p, pa) {
			return
		}
		if t.clk.Now().After(pa.ExpiresAt) {
			slog.Info("device flow timed out", "provider", p)
			t.clearPending(p, "Device flow timed out. Start the login again.")
			return
		}

		done, err := adapter.PollToken(context.Background(), pa)
		if err != nil {
			slog.Warn("device flow ended", "provider", p, "error", err)
			t.clearPending(p, fmt.Sprintf("Authentication failed: %v", err))
			return
		}
		if done {
			t.mu.Lock()
			t.ready[p] = true
			t.pending[p] = nil
			t.message[p] = "Authenticated"
			t.mu.Unlock()
			slog.Info("device flow completed", "provider", p)
			return
		}
	}
}

// stillPending guards against a stale poll goroutine after the descriptor
// was replaced or resolved.
func (t *Tracker) stillPending(p models.Provider, pa *models.PendingAuth) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending[p] == pa
}

func (t *Tracker) clearPending(p models.Provider, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[p] = nil
	t.message[p] = msg
}
