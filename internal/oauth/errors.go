// Package oauth implements the OAuth authorization-code flow: state token
// issue/consume, per-provider authorization URLs, and code-for-token
// exchange.
package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for consistent handling across the codebase.
var (
	// ErrInvalidState indicates a callback state token that is absent,
	// expired, or already consumed. The three cases are deliberately
	// indistinguishable to prevent state-token enumeration.
	ErrInvalidState = errors.New("invalid or expired state")

	// ErrToolMismatch indicates the state token was issued for a
	// different tool than the callback claims (cross-tool replay).
	ErrToolMismatch = errors.New("state token tool mismatch")

	// ErrProviderNotFound indicates no OAuth provider is registered
	// under the requested name.
	ErrProviderNotFound = errors.New("oauth provider not found")

	// ErrProviderNotConfigured indicates the provider exists but has no
	// client credentials configured.
	ErrProviderNotConfigured = errors.New("oauth provider has no client credentials configured")

	// ErrExchange indicates the token endpoint rejected the exchange or
	// returned an incomplete payload.
	ErrExchange = errors.New("token exchange failed")
)

// ExchangeError carries the provider's verbatim error and description so
// callers can surface them for debugging.
type ExchangeError struct {
	Provider    string
	Code        string
	Description string
}

func (e *ExchangeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s - %s", e.Provider, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Code)
}

// Unwrap makes errors.Is(err, ErrExchange) work for provider errors
func (e *ExchangeError) Unwrap() error {
	return ErrExchange
}
