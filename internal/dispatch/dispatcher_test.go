//go:build unix

package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modulex-go/internal/execenv"
	"modulex-go/internal/tools"
)

type fakeStore struct {
	mu       sync.Mutex
	creds    map[string]map[string]any
	disabled map[string]bool
	toolVars map[string]map[string]string
	cleaned  []string
	touched  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		creds:    make(map[string]map[string]any),
		disabled: make(map[string]bool),
		toolVars: make(map[string]map[string]string),
	}
}

func credKey(user, tool string) string { return user + "|" + tool }

func (s *fakeStore) GetActiveCredentials(user, tool string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[credKey(user, tool)], nil
}

func (s *fakeStore) IsActionDisabled(user, tool, action string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[credKey(user, tool)+"|"+action], nil
}

func (s *fakeStore) CleanupInvalid(user, tool string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, credKey(user, tool))
	return true, nil
}

func (s *fakeStore) TouchLastUsed(user, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, credKey(user, tool))
}

func (s *fakeStore) GetToolVariables(tool string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolVars[tool], nil
}

type fakeCatalog struct {
	descriptors map[string]*tools.Descriptor
	scripts     map[string]string
}

func (c *fakeCatalog) GetToolInfo(name string) (*tools.Descriptor, bool) {
	d, ok := c.descriptors[name]
	return d, ok
}

func (c *fakeCatalog) ScriptPath(name string) (string, error) {
	p, ok := c.scripts[name]
	if !ok {
		return "", fmt.Errorf("no script for %s", name)
	}
	return p, nil
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTestDispatcher(t *testing.T, cfg Config, store *fakeStore, catalog *fakeCatalog) *Dispatcher {
	t.Helper()
	if cfg.Interpreter == "" {
		cfg.Interpreter = "/bin/sh"
	}
	return NewDispatcher(cfg, store, catalog, execenv.NewBuilder(), zap.NewNop().Sugar())
}

func singleToolCatalog(tool, script, authType string, actions ...string) *fakeCatalog {
	desc := &tools.Descriptor{Name: tool, AuthType: authType}
	for _, a := range actions {
		desc.Actions = append(desc.Actions, tools.Action{Name: a})
	}
	return &fakeCatalog{
		descriptors: map[string]*tools.Descriptor{tool: desc},
		scripts:     map[string]string{tool: script},
	}
}

func TestExecuteSuccessJSONOutput(t *testing.T) {
	script := writeScript(t, `echo '{"workflows": ["a", "b"]}'`)
	store := newFakeStore()
	store.creds["u1|n8n"] = map[string]any{"api_key": "xyz"}
	catalog := singleToolCatalog("n8n", script, tools.AuthTypeAPIKey, "list_workflows")

	d := newTestDispatcher(t, Config{MaxConcurrent: 2, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "n8n", "list_workflows", nil)

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, map[string]any{"workflows": []any{"a", "b"}}, res.Result)
	assert.Equal(t, "n8n", res.ToolName)
	assert.Equal(t, "list_workflows", res.Action)
	assert.Equal(t, []string{"u1|n8n"}, store.touched)
}

func TestExecuteRawTextOutput(t *testing.T) {
	script := writeScript(t, `echo hello world`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.True(t, res.Success)
	assert.Equal(t, "hello world", res.Result)
}

func TestExecuteEnvInjection(t *testing.T) {
	script := writeScript(t, `printf '%s' "$API_KEY"`)
	store := newFakeStore()
	store.creds["u2|n8n"] = map[string]any{"api_key": "xyz", "auth_type": "manual"}
	catalog := singleToolCatalog("n8n", script, tools.AuthTypeManual, "list_workflows")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u2", "n8n", "list_workflows", map[string]any{})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "xyz", res.Result)
}

func TestExecuteToolVariablePrecedence(t *testing.T) {
	script := writeScript(t, `printf '%s' "$API_KEY"`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "from-creds"}
	store.toolVars["t"] = map[string]string{"API_KEY": "from-vars"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.True(t, res.Success)
	assert.Equal(t, "from-vars", res.Result)
}

func TestExecuteStdinPayload(t *testing.T) {
	// The child reads the single JSON message from stdin and echoes it.
	script := writeScript(t, `cat`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"access_token": "tok"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeOAuth2, "whoami")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "whoami", map[string]any{"verbose": true})

	require.True(t, res.Success)
	payload, ok := res.Result.(map[string]any)
	require.True(t, ok, "expected echoed JSON, got %T", res.Result)
	assert.Equal(t, "whoami", payload["action"])
	assert.Equal(t, "u1", payload["user_id"])
	assert.Equal(t, map[string]any{"verbose": true}, payload["parameters"])
	assert.Equal(t, map[string]any{"access_token": "tok"}, payload["user_credentials"])
}

func TestExecuteNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 5 * time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
	assert.Empty(t, store.touched)
}

func TestExecuteTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 10, Timeout: 200 * time.Millisecond}, store, catalog)

	start := time.Now()
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Contains(t, res.Error, "200ms")
	assert.Less(t, time.Since(start), 5*time.Second)

	stats := d.GetStats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Queued)
}

func TestExecuteConcurrencyBound(t *testing.T) {
	script := writeScript(t, `sleep 0.3; echo done`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 2, MaxQueue: 10, Timeout: 10 * time.Second}, store, catalog)

	stop := make(chan struct{})
	var maxActive int64
	var obsMu sync.Mutex
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			active, _ := d.Counters()
			obsMu.Lock()
			if active > maxActive {
				maxActive = active
			}
			obsMu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Execute(context.Background(), "u1", "t", "ping", nil)
		}(i)
	}
	wg.Wait()
	close(stop)

	for i, res := range results {
		require.True(t, res.Success, "call %d: %s", i, res.Error)
	}
	obsMu.Lock()
	defer obsMu.Unlock()
	assert.LessOrEqual(t, maxActive, int64(2), "concurrency bound exceeded")

	stats := d.GetStats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Queued)
	assert.Equal(t, int64(2), stats.AvailableSlots)
}

func TestExecuteQueueOverflow(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: 10 * time.Second}, store, catalog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.Execute(ctx, "u1", "t", "ping", nil) }()

	// Wait for the first call to hold the only slot.
	require.Eventually(t, func() bool {
		active, _ := d.Counters()
		return active == 1
	}, 2*time.Second, 10*time.Millisecond)

	go func() { defer wg.Done(); d.Execute(ctx, "u1", "t", "ping", nil) }()

	// Wait for the second call to be queued behind the semaphore.
	require.Eventually(t, func() bool {
		_, queued := d.Counters()
		return queued == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The third call must shed immediately without blocking.
	start := time.Now()
	res := d.Execute(ctx, "u1", "t", "ping", nil)
	require.False(t, res.Success)
	assert.True(t, res.Busy, "shed result must carry the busy marker")
	assert.Contains(t, res.Error, "busy")
	assert.Less(t, time.Since(start), time.Second)

	active, _ := d.Counters()
	assert.Equal(t, int64(1), active, "shed call must not take a slot")

	cancel()
	wg.Wait()
}

func TestExecuteCancelWhileQueued(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 5, Timeout: 10 * time.Second}, store, catalog)

	holdCtx, holdCancel := context.WithCancel(context.Background())
	defer holdCancel()
	go d.Execute(holdCtx, "u1", "t", "ping", nil)
	require.Eventually(t, func() bool {
		active, _ := d.Counters()
		return active == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := d.Execute(ctx, "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled while queued")

	_, queued := d.Counters()
	assert.Equal(t, int64(0), queued, "queued count must not leak")
}

func TestExecuteCancelWhileRunning(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: 10 * time.Second}, store, catalog)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := d.Execute(ctx, "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled")
	assert.NotContains(t, res.Error, "timed out", "a client cancel is not a timeout")
	assert.Less(t, time.Since(start), 3*time.Second)

	active, queued := d.Counters()
	assert.Equal(t, int64(0), active)
	assert.Equal(t, int64(0), queued)
}

func TestExecuteUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: time.Second}, newFakeStore(), &fakeCatalog{descriptors: map[string]*tools.Descriptor{}})
	res := d.Execute(context.Background(), "u1", "ghost", "ping", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "tool not found")
}

func TestExecuteUnknownAction(t *testing.T) {
	script := writeScript(t, `echo ok`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "nope", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown action")
}

func TestExecuteDisabledAction(t *testing.T) {
	script := writeScript(t, `echo ok`)
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"api_key": "k"}
	store.disabled["u1|t|ping"] = true
	catalog := singleToolCatalog("t", script, tools.AuthTypeAPIKey, "ping")

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "disabled")
}

func TestExecuteNotAuthenticated(t *testing.T) {
	script := writeScript(t, `echo ok`)
	catalog := singleToolCatalog("t", script, tools.AuthTypeOAuth2, "ping")
	store := newFakeStore()

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not authenticated")
	assert.Equal(t, []string{"u1|t"}, store.cleaned)
}

func TestExecuteErrorEnvelopeCredentials(t *testing.T) {
	script := writeScript(t, `echo ok`)
	catalog := singleToolCatalog("t", script, tools.AuthTypeOAuth2, "ping")
	store := newFakeStore()
	store.creds["u1|t"] = map[string]any{"error": "bad_verification_code"}

	d := newTestDispatcher(t, Config{MaxConcurrent: 1, MaxQueue: 1, Timeout: time.Second}, store, catalog)
	res := d.Execute(context.Background(), "u1", "t", "ping", nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not authenticated")
	assert.Equal(t, []string{"u1|t"}, store.cleaned)
}

func TestGetStatsDefaults(t *testing.T) {
	d := NewDispatcher(Config{}, newFakeStore(), &fakeCatalog{}, nil, zap.NewNop().Sugar())
	stats := d.GetStats()
	assert.Equal(t, int64(25), stats.MaxConcurrent)
	assert.Equal(t, int64(100), stats.MaxQueue)
	assert.Equal(t, int64(25), stats.AvailableSlots)
}
