package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// secretRefRegex matches ${type:name} patterns
var secretRefRegex = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// Resolver manages secret resolution using multiple providers
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver with the default env and keyring providers
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.RegisterProvider(SecretTypeEnv, NewEnvProvider())
	r.RegisterProvider(SecretTypeKeyring, NewKeyringProvider())
	return r
}

// RegisterProvider registers a new secret provider
func (r *Resolver) RegisterProvider(secretType string, provider Provider) {
	r.providers[secretType] = provider
}

// Resolve resolves a single secret reference
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	provider, exists := r.providers[ref.Type]
	if !exists {
		return "", fmt.Errorf("no provider for secret type: %s", ref.Type)
	}
	if !provider.IsAvailable() {
		return "", fmt.Errorf("provider for %s is not available on this system", ref.Type)
	}
	return provider.Resolve(ctx, ref)
}

// IsSecretRef returns true if the string looks like a secret reference
func IsSecretRef(input string) bool {
	return secretRefRegex.MatchString(input)
}

// ParseRef parses a ${type:name} reference
func ParseRef(input string) (*Ref, error) {
	matches := secretRefRegex.FindStringSubmatch(input)
	if len(matches) != 3 {
		return nil, fmt.Errorf("invalid secret reference format: %s", input)
	}
	return &Ref{
		Type:     strings.TrimSpace(matches[1]),
		Name:     strings.TrimSpace(matches[2]),
		Original: input,
	}, nil
}

// Expand replaces all secret references in a string with resolved values.
// Strings without references pass through unchanged.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	if !IsSecretRef(input) {
		return input, nil
	}

	result := input
	for _, match := range secretRefRegex.FindAllStringSubmatch(input, -1) {
		ref := Ref{
			Type:     strings.TrimSpace(match[1]),
			Name:     strings.TrimSpace(match[2]),
			Original: match[0],
		}
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", ref.Original, err)
		}
		result = strings.Replace(result, ref.Original, value, 1)
	}
	return result, nil
}
