package secret

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName for keyring entries
	ServiceName       = "modulex"
	SecretTypeKeyring = "keyring"
)

// KeyringProvider resolves secrets from the OS keyring (Keychain, Secret
// Service, WinCred).
type KeyringProvider struct {
	serviceName string
}

// NewKeyringProvider creates a new keyring provider
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{serviceName: ServiceName}
}

// CanResolve returns true if this provider can handle the given secret type
func (p *KeyringProvider) CanResolve(secretType string) bool {
	return secretType == SecretTypeKeyring
}

// Resolve retrieves the secret value from the OS keyring
func (p *KeyringProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	if !p.CanResolve(ref.Type) {
		return "", fmt.Errorf("keyring provider cannot resolve secret type: %s", ref.Type)
	}

	value, err := keyring.Get(p.serviceName, ref.Name)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Name, err)
	}
	return value, nil
}

// Store saves a secret to the OS keyring
func (p *KeyringProvider) Store(_ context.Context, ref Ref, value string) error {
	if !p.CanResolve(ref.Type) {
		return fmt.Errorf("keyring provider cannot store secret type: %s", ref.Type)
	}

	if err := keyring.Set(p.serviceName, ref.Name, value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Name, err)
	}
	return nil
}

// IsAvailable checks if the OS keyring is usable
func (p *KeyringProvider) IsAvailable() bool {
	probe := "_modulex_availability_probe"
	if err := keyring.Set(p.serviceName, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(p.serviceName, probe)
	return true
}
