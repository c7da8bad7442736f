package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modulex-go/internal/crypto"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	cryptoProvider, err := crypto.NewProvider("test-server-secret")
	require.NoError(t, err)

	manager, err := NewManager(t.TempDir(), cryptoProvider, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return manager
}

func TestGetOrCreateUser(t *testing.T) {
	m := setupTestManager(t)

	u1, err := m.GetOrCreateUser("ext-1")
	require.NoError(t, err)
	assert.NotEmpty(t, u1.ID)
	assert.Equal(t, "ext-1", u1.ExternalID)

	// Second call returns the same user, not a new one
	u2, err := m.GetOrCreateUser("ext-1")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)

	u3, err := m.GetOrCreateUser("ext-2")
	require.NoError(t, err)
	assert.NotEqual(t, u1.ID, u3.ID)

	_, err = m.GetOrCreateUser("")
	assert.Error(t, err)
}

func TestUpsertAndGetActiveCredentials(t *testing.T) {
	m := setupTestManager(t)

	payload := map[string]any{"access_token": "tok"}
	require.NoError(t, m.UpsertCredentials("u1", "github", payload, 0))

	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok", got["access_token"])

	// Unknown tool is "not configured", not an error
	got, err = m.GetActiveCredentials("u1", "slack")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertNoDuplicates(t *testing.T) {
	m := setupTestManager(t)

	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "a"}, 0))
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "b"}, 0))

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)

	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "b", got["access_token"])
}

func TestUpsertExpiry(t *testing.T) {
	m := setupTestManager(t)

	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "a"}, 3600*time.Second))

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *tools[0].ExpiresAt, time.Minute)
}

func TestActiveOnlyVisibility(t *testing.T) {
	m := setupTestManager(t)

	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "tok"}, 0))

	ok, err := m.SetActive("u1", "github", false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Authenticated but inactive: payload is hidden
	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Nil(t, got)

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.True(t, tools[0].IsAuthenticated)
	assert.False(t, tools[0].IsActive)

	active, err := m.ListTools("u1", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	ok, err = m.SetActive("u1", "github", true)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "tok", got["access_token"])
}

func TestSetAuthenticated(t *testing.T) {
	m := setupTestManager(t)

	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{
		"access_token":  "old",
		"refresh_token": "rt",
	}, 0))

	// Valid-looking payload, not an error envelope: flipping must not
	// depend on the payload shape.
	changed, err := m.SetAuthenticated("u1", "github", false)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Nil(t, got)

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.False(t, tools[0].IsAuthenticated)

	// Already unauthenticated: no change reported
	changed, err = m.SetAuthenticated("u1", "github", false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.SetAuthenticated("u1", "ghost", false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetActiveMissingRecord(t *testing.T) {
	m := setupTestManager(t)

	ok, err := m.SetActive("u1", "ghost", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledActionsSetSemantics(t *testing.T) {
	m := setupTestManager(t)
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "tok"}, 0))

	toggle := func(disabled bool) {
		ok, err := m.SetActionDisabled("u1", "github", "create_issue", disabled)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// disable -> enable -> disable leaves exactly one entry
	toggle(true)
	toggle(false)
	toggle(true)
	toggle(true)

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, []string{"create_issue"}, tools[0].DisabledActions)

	disabled, err := m.IsActionDisabled("u1", "github", "create_issue")
	require.NoError(t, err)
	assert.True(t, disabled)

	disabled, err = m.IsActionDisabled("u1", "github", "list_repositories")
	require.NoError(t, err)
	assert.False(t, disabled)
}

func TestConcurrentActionToggles(t *testing.T) {
	m := setupTestManager(t)
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "tok"}, 0))

	actions := []string{"a1", "a2", "a3", "a4", "a5"}
	done := make(chan error, len(actions))
	for _, action := range actions {
		go func(name string) {
			_, err := m.SetActionDisabled("u1", "github", name, true)
			done <- err
		}(action)
	}
	for range actions {
		require.NoError(t, <-done)
	}

	// No lost updates: all five actions made it into the set
	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.ElementsMatch(t, actions, tools[0].DisabledActions)
}

func TestDisconnect(t *testing.T) {
	m := setupTestManager(t)
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "tok"}, 0))

	ok, err := m.Disconnect("u1", "github")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err = m.Disconnect("u1", "github")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupInvalid(t *testing.T) {
	m := setupTestManager(t)

	// A provider error that got persisted instead of tokens
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"error": "bad_verification_code"}, 0))

	cleaned, err := m.CleanupInvalid("u1", "github")
	require.NoError(t, err)
	assert.True(t, cleaned)

	// Record survives for audit, but is no longer authenticated
	got, err := m.GetActiveCredentials("u1", "github")
	require.NoError(t, err)
	assert.Nil(t, got)

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.False(t, tools[0].IsAuthenticated)

	// Valid credentials are left alone
	require.NoError(t, m.UpsertCredentials("u1", "slack", map[string]any{"access_token": "tok"}, 0))
	cleaned, err = m.CleanupInvalid("u1", "slack")
	require.NoError(t, err)
	assert.False(t, cleaned)
}

func TestIsErrorEnvelope(t *testing.T) {
	assert.True(t, IsErrorEnvelope(map[string]any{"error": "x"}))
	assert.False(t, IsErrorEnvelope(map[string]any{"error": "x", "access_token": "tok"}))
	assert.False(t, IsErrorEnvelope(map[string]any{"access_token": "tok"}))
	assert.False(t, IsErrorEnvelope(nil))
}

func TestToolVariablesRoundTrip(t *testing.T) {
	m := setupTestManager(t)

	require.NoError(t, m.SaveToolVariables("n8n", map[string]string{
		"N8N_HOST":    "https://n8n.example.com",
		"N8N_API_KEY": "xyz",
	}))

	vars, err := m.GetToolVariables("n8n")
	require.NoError(t, err)
	assert.Equal(t, "xyz", vars["N8N_API_KEY"])
	assert.Equal(t, "https://n8n.example.com", vars["N8N_HOST"])

	// Overwrite one key
	require.NoError(t, m.SaveToolVariables("n8n", map[string]string{"N8N_API_KEY": "abc"}))
	vars, err = m.GetToolVariables("n8n")
	require.NoError(t, err)
	assert.Equal(t, "abc", vars["N8N_API_KEY"])

	require.NoError(t, m.DeleteToolVariables("n8n"))
	vars, err = m.GetToolVariables("n8n")
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestTouchLastUsed(t *testing.T) {
	m := setupTestManager(t)
	require.NoError(t, m.UpsertCredentials("u1", "github", map[string]any{"access_token": "tok"}, 0))

	m.TouchLastUsed("u1", "github")

	tools, err := m.ListTools("u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].LastUsedAt)
	assert.WithinDuration(t, time.Now(), *tools[0].LastUsedAt, time.Minute)
}
