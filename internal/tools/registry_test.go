package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTool(t *testing.T, baseDir, name, info string, withScript bool) {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if info != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "info.json"), []byte(info), 0o644))
	}
	if withScript {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('{}')"), 0o644))
	}
}

func TestGetToolInfo(t *testing.T) {
	baseDir := t.TempDir()
	writeTool(t, baseDir, "github", `{
		"name": "github",
		"display_name": "GitHub",
		"auth_type": "oauth2",
		"actions": [{"name": "list_repositories", "description": "List repos"}],
		"setup_environment_variables": [{"name": "GITHUB_TOKEN", "required": true}]
	}`, true)

	r := NewRegistry(baseDir, zap.NewNop().Sugar())

	d, ok := r.GetToolInfo("github")
	require.True(t, ok)
	assert.Equal(t, "GitHub", d.DisplayName)
	assert.Equal(t, AuthTypeOAuth2, d.AuthType)
	assert.True(t, d.HasAction("list_repositories"))
	assert.False(t, d.HasAction("delete_everything"))
	require.Len(t, d.EnvVariables, 1)
	assert.True(t, d.EnvVariables[0].Required)
}

func TestGetToolInfoMissing(t *testing.T) {
	r := NewRegistry(t.TempDir(), zap.NewNop().Sugar())

	_, ok := r.GetToolInfo("ghost")
	assert.False(t, ok)
}

func TestGetToolInfoInvalidJSON(t *testing.T) {
	baseDir := t.TempDir()
	writeTool(t, baseDir, "broken", `{not json`, false)

	r := NewRegistry(baseDir, zap.NewNop().Sugar())
	_, ok := r.GetToolInfo("broken")
	assert.False(t, ok)
}

func TestToolNameTraversalRejected(t *testing.T) {
	baseDir := t.TempDir()
	writeTool(t, baseDir, "github", `{"name": "github", "display_name": "GitHub"}`, true)

	r := NewRegistry(baseDir, zap.NewNop().Sugar())

	for _, name := range []string{"..", "../github", "a/b", ""} {
		_, ok := r.GetToolInfo(name)
		assert.False(t, ok, "name %q", name)
		_, err := r.ScriptPath(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestListToolNames(t *testing.T) {
	baseDir := t.TempDir()
	writeTool(t, baseDir, "github", `{"name": "github", "display_name": "GitHub"}`, true)
	writeTool(t, baseDir, "n8n", `{"name": "n8n", "display_name": "n8n"}`, true)
	writeTool(t, baseDir, "nodesc", "", true) // no info.json: skipped

	r := NewRegistry(baseDir, zap.NewNop().Sugar())
	assert.Equal(t, []string{"github", "n8n"}, r.ListToolNames())
	assert.Len(t, r.ListTools(), 2)
}

func TestScriptPath(t *testing.T) {
	baseDir := t.TempDir()
	writeTool(t, baseDir, "github", `{"name": "github", "display_name": "GitHub"}`, true)
	writeTool(t, baseDir, "scriptless", `{"name": "scriptless", "display_name": "X"}`, false)

	r := NewRegistry(baseDir, zap.NewNop().Sugar())

	path, err := r.ScriptPath("github")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(baseDir, "github", "main.py"), path)

	_, err = r.ScriptPath("scriptless")
	assert.Error(t, err)
}
