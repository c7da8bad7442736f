// Package secret resolves secret references of the form ${env:NAME} and
// ${keyring:ALIAS} so server and provider secrets never have to sit in
// config files as plaintext.
package secret

import "context"

// Ref represents a reference to a secret
type Ref struct {
	Type     string // env, keyring
	Name     string // environment variable name or keyring alias
	Original string // original reference string
}

// Provider interface for secret resolution
type Provider interface {
	// CanResolve returns true if this provider can handle the given secret type
	CanResolve(secretType string) bool

	// Resolve retrieves the actual secret value
	Resolve(ctx context.Context, ref Ref) (string, error)

	// Store saves a secret (if supported by the provider)
	Store(ctx context.Context, ref Ref, value string) error

	// IsAvailable checks if the provider is available on the current system
	IsAvailable() bool
}
