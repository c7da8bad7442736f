// Package execenv builds the isolated environment for tool action
// processes. Every call gets a freshly constructed variable list — calls
// run concurrently with different users' secrets, so nothing here may be
// shared or mutated in place.
package execenv

import (
	"os"
	"strings"
)

// Well-known variable names for the primary OAuth fields
const (
	AccessTokenVar  = "ACCESS_TOKEN"
	RefreshTokenVar = "REFRESH_TOKEN" //nolint:gosec // variable name, not a credential
)

// bookkeepingFields are credential payload keys that are metadata, not
// secrets, and must not leak into the child environment.
var bookkeepingFields = map[string]bool{
	"auth_type":        true,
	"registered_at":    true,
	"authenticated_at": true,
}

// Builder constructs child-process environments
type Builder struct {
	baseEnv func() []string
}

// NewBuilder creates a builder that inherits the current process
// environment.
func NewBuilder() *Builder {
	return &Builder{baseEnv: os.Environ}
}

// NewBuilderWithBase creates a builder over a fixed base environment
// (used by tests to keep assertions hermetic).
func NewBuilderWithBase(base []string) *Builder {
	return &Builder{baseEnv: func() []string {
		return append([]string{}, base...)
	}}
}

// Build returns a fresh environment: the base process environment plus
// credential-derived variables plus per-tool variables. access_token and
// refresh_token map to fixed well-known names; every other string-valued
// credential field maps to its own uppercased name, bookkeeping fields
// excluded. toolVars win over credential fields on collision since they
// are operator-configured.
func (b *Builder) Build(credentials map[string]any, toolVars map[string]string) []string {
	derived := CredentialVars(credentials)
	for key, value := range toolVars {
		derived[key] = value
	}

	env := b.baseEnv()
	for key, value := range derived {
		env = append(env, key+"="+value)
	}
	return env
}

// CredentialVars maps a credential payload to environment variables
func CredentialVars(credentials map[string]any) map[string]string {
	vars := make(map[string]string, len(credentials))

	if token, ok := credentials["access_token"].(string); ok && token != "" {
		vars[AccessTokenVar] = token
	}
	if token, ok := credentials["refresh_token"].(string); ok && token != "" {
		vars[RefreshTokenVar] = token
	}

	for key, value := range credentials {
		if bookkeepingFields[key] {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		vars[strings.ToUpper(key)] = str
	}
	return vars
}
