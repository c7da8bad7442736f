package execenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialVars(t *testing.T) {
	vars := CredentialVars(map[string]any{
		"access_token":  "tok",
		"refresh_token": "ref",
		"api_key":       "xyz",
		"auth_type":     "manual",   // bookkeeping: excluded
		"registered_at": "2024",     // bookkeeping: excluded
		"expires_in":    float64(3), // non-string: excluded
	})

	assert.Equal(t, map[string]string{
		"ACCESS_TOKEN":  "tok",
		"REFRESH_TOKEN": "ref",
		"API_KEY":       "xyz",
	}, vars)
}

func TestCredentialVarsNoTokens(t *testing.T) {
	vars := CredentialVars(map[string]any{"api_key": "xyz"})

	assert.Equal(t, "xyz", vars["API_KEY"])
	_, hasAccess := vars["ACCESS_TOKEN"]
	assert.False(t, hasAccess)
}

func TestBuildIsFreshPerCall(t *testing.T) {
	b := NewBuilderWithBase([]string{"PATH=/usr/bin"})

	env1 := b.Build(map[string]any{"access_token": "user1-tok"}, nil)
	env2 := b.Build(map[string]any{"access_token": "user2-tok"}, nil)

	assert.Contains(t, env1, "ACCESS_TOKEN=user1-tok")
	assert.Contains(t, env2, "ACCESS_TOKEN=user2-tok")
	assert.NotContains(t, env2, "ACCESS_TOKEN=user1-tok")

	// Base stays intact in both
	assert.Contains(t, env1, "PATH=/usr/bin")
	assert.Contains(t, env2, "PATH=/usr/bin")
}

func TestBuildToolVarsWin(t *testing.T) {
	b := NewBuilderWithBase(nil)

	env := b.Build(
		map[string]any{"api_key": "from-credentials"},
		map[string]string{"API_KEY": "from-operator"},
	)

	assert.Contains(t, env, "API_KEY=from-operator")
	assert.NotContains(t, env, "API_KEY=from-credentials")
}
