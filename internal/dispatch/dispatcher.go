// Package dispatch runs tool actions as isolated child processes under a
// global concurrency bound with a bounded wait queue and per-call timeout.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"modulex-go/internal/execenv"
	"modulex-go/internal/reqcontext"
	"modulex-go/internal/storage"
	"modulex-go/internal/tools"
)

// Config holds the deployment tunables of a dispatcher instance.
type Config struct {
	// MaxConcurrent is the number of tool actions allowed to run at once.
	MaxConcurrent int64
	// MaxQueue is the hard queue-depth limit; calls arriving beyond it are
	// shed with a busy result instead of waiting.
	MaxQueue int64
	// Timeout bounds each child invocation end to end.
	Timeout time.Duration
	// Interpreter runs the tool scripts (typically "python3").
	Interpreter string
}

// Result is the structured envelope returned for every execute call.
// Errors are reported in-band; Execute never panics past its boundary.
type Result struct {
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	ToolName string `json:"tool_name"`
	Action   string `json:"action"`
	// Busy marks load-shed rejections so transports can map them to a
	// retryable status without parsing the error text.
	Busy bool `json:"busy,omitempty"`
}

// Stats is a read-only snapshot of dispatcher load.
type Stats struct {
	Active         int64 `json:"active_executions"`
	Queued         int64 `json:"queued_executions"`
	AvailableSlots int64 `json:"available_slots"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueue       int64 `json:"max_queue"`
}

// CredentialSource is the slice of the credential store the dispatcher needs.
type CredentialSource interface {
	GetActiveCredentials(externalUserID, toolName string) (map[string]any, error)
	IsActionDisabled(externalUserID, toolName, actionName string) (bool, error)
	CleanupInvalid(externalUserID, toolName string) (bool, error)
	TouchLastUsed(externalUserID, toolName string)
	GetToolVariables(toolName string) (map[string]string, error)
}

// Catalog resolves tool descriptors and script entry points.
type Catalog interface {
	GetToolInfo(toolName string) (*tools.Descriptor, bool)
	ScriptPath(toolName string) (string, error)
}

// Metrics receives dispatcher load and outcome updates.
type Metrics interface {
	SetActiveExecutions(n int64)
	SetQueuedExecutions(n int64)
	RecordExecution(tool, outcome string, seconds float64)
}

type nopMetrics struct{}

func (nopMetrics) SetActiveExecutions(int64)               {}
func (nopMetrics) SetQueuedExecutions(int64)               {}
func (nopMetrics) RecordExecution(string, string, float64) {}

// Dispatcher enforces the concurrency bound and queue-depth limit for
// tool action execution within one process.
type Dispatcher struct {
	cfg     Config
	store   CredentialSource
	catalog Catalog
	env     *execenv.Builder
	metrics Metrics
	logger  *zap.SugaredLogger

	sem    *semaphore.Weighted
	active atomic.Int64
	queued atomic.Int64
}

// NewDispatcher creates a dispatcher with the given tunables. Zero or
// negative tunables fall back to safe defaults.
func NewDispatcher(cfg Config, store CredentialSource, catalog Catalog, envBuilder *execenv.Builder, logger *zap.SugaredLogger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 25
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 55 * time.Second
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if envBuilder == nil {
		envBuilder = execenv.NewBuilder()
	}

	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		env:     envBuilder,
		metrics: nopMetrics{},
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// SetMetrics attaches a metrics sink. Safe to call before serving traffic.
func (d *Dispatcher) SetMetrics(m Metrics) {
	if m != nil {
		d.metrics = m
	}
}

// GetStats returns a point-in-time snapshot of dispatcher load.
func (d *Dispatcher) GetStats() Stats {
	active := d.active.Load()
	available := d.cfg.MaxConcurrent - active
	if available < 0 {
		available = 0
	}
	return Stats{
		Active:         active,
		Queued:         d.queued.Load(),
		AvailableSlots: available,
		MaxConcurrent:  d.cfg.MaxConcurrent,
		MaxQueue:       d.cfg.MaxQueue,
	}
}

// Counters returns the live active and queued counts, for health checks.
func (d *Dispatcher) Counters() (active, queued int64) {
	return d.active.Load(), d.queued.Load()
}

func (d *Dispatcher) failure(toolName, action, format string, args ...any) *Result {
	return &Result{
		Success:  false,
		Error:    fmt.Sprintf(format, args...),
		ToolName: toolName,
		Action:   action,
	}
}

// Execute runs one tool action for one user and returns a structured
// result. All expected negative outcomes (busy, not authenticated, tool
// fault, timeout) are reported in-band with Success=false.
func (d *Dispatcher) Execute(ctx context.Context, externalUserID, toolName, action string, params map[string]any) *Result {
	start := time.Now()
	callID := reqcontext.CorrelationID(ctx)
	log := d.logger.With("call_id", callID, "user_id", externalUserID, "tool", toolName, "action", action)

	// Load-shedding fast path. Never blocks.
	if d.queued.Load() >= d.cfg.MaxQueue {
		log.Warnw("execution rejected, queue full", "max_queue", d.cfg.MaxQueue)
		d.metrics.RecordExecution(toolName, "busy", time.Since(start).Seconds())
		res := d.failure(toolName, action, "server busy: %d executions already queued, retry later", d.cfg.MaxQueue)
		res.Busy = true
		return res
	}

	// Queued-count is decremented exactly once per increment regardless of
	// which exit path the call takes.
	d.queued.Add(1)
	d.metrics.SetQueuedExecutions(d.queued.Load())
	dequeue := sync.OnceFunc(func() {
		d.queued.Add(-1)
		d.metrics.SetQueuedExecutions(d.queued.Load())
	})
	defer dequeue()

	info, ok := d.catalog.GetToolInfo(toolName)
	if !ok {
		return d.failure(toolName, action, "tool not found: %s", toolName)
	}
	if len(info.Actions) > 0 && !info.HasAction(action) {
		return d.failure(toolName, action, "unknown action %q for tool %s", action, toolName)
	}

	if disabled, err := d.store.IsActionDisabled(externalUserID, toolName, action); err != nil {
		return d.failure(toolName, action, "credential store error: %v", err)
	} else if disabled {
		return d.failure(toolName, action, "action %q is disabled for tool %s", action, toolName)
	}

	credentials, err := d.store.GetActiveCredentials(externalUserID, toolName)
	if err != nil {
		return d.failure(toolName, action, "credential store error: %v", err)
	}
	if credentials == nil {
		// Self-healing: flip any stale error-envelope record so the next
		// auth attempt starts clean.
		if _, cerr := d.store.CleanupInvalid(externalUserID, toolName); cerr != nil {
			log.Warnw("cleanup of invalid credentials failed", "error", cerr)
		}
		if info.AuthType != "" && info.AuthType != tools.AuthTypeNone {
			return d.failure(toolName, action, "not authenticated with %s", toolName)
		}
		credentials = map[string]any{}
	}
	// Defense in depth: a stored OAuth error envelope must never reach a
	// child process as live credentials.
	if storage.IsErrorEnvelope(credentials) {
		if _, cerr := d.store.CleanupInvalid(externalUserID, toolName); cerr != nil {
			log.Warnw("cleanup of invalid credentials failed", "error", cerr)
		}
		return d.failure(toolName, action, "not authenticated with %s", toolName)
	}

	script, err := d.catalog.ScriptPath(toolName)
	if err != nil {
		return d.failure(toolName, action, "tool %s has no runnable entry point: %v", toolName, err)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.failure(toolName, action, "execution canceled while queued: %v", err)
	}
	dequeue()
	d.active.Add(1)
	d.metrics.SetActiveExecutions(d.active.Load())
	defer func() {
		d.active.Add(-1)
		d.metrics.SetActiveExecutions(d.active.Load())
		d.sem.Release(1)
	}()

	toolVars, err := d.store.GetToolVariables(toolName)
	if err != nil {
		log.Warnw("tool variables unavailable", "error", err)
		toolVars = nil
	}

	res := d.runAction(ctx, log, script, externalUserID, toolName, action, params, credentials, toolVars)

	outcome := "error"
	if res.Success {
		outcome = "success"
		d.store.TouchLastUsed(externalUserID, toolName)
	}
	d.metrics.RecordExecution(toolName, outcome, time.Since(start).Seconds())
	log.Debugw("execution finished", "success", res.Success, "duration", time.Since(start))
	return res
}
