package provider

import (
	"errors"
	"strings"
)

// Sentinel errors shared by all adapters. Auth failures keep a detectable
// "401"/"expired" marker in their text so callers can tell re-login-needed
// failures apart from everything else.
var (
	ErrAuthRequired  = errors.New("provider not authenticated (401)")
	ErrTokenExpired  = errors.New("provider token expired")
	ErrNoScenesFound = errors.New("no scenes match the given filters")
	ErrAoiTooLarge   = errors.New("aoi exceeds the provider's area ceiling")
	ErrRemoteService = errors.New("provider backend error")
	ErrNotPending    = errors.New("no device flow pending for this provider")
)

// IsAuthError reports whether err represents a missing or expired credential,
// either by sentinel identity or by the marker convention in its message.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrTokenExpired) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "expired")
}
