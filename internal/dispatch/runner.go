package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// actionInput is the single JSON message written to the child's stdin.
type actionInput struct {
	Action          string         `json:"action"`
	Parameters      map[string]any `json:"parameters"`
	UserID          string         `json:"user_id"`
	UserCredentials map[string]any `json:"user_credentials"`
}

// runAction spawns one child process for one action, enforces the
// configured timeout across the whole invocation, and maps the child's
// exit status and output into a Result.
func (d *Dispatcher) runAction(ctx context.Context, log *zap.SugaredLogger, script, externalUserID, toolName, action string, params map[string]any, credentials map[string]any, toolVars map[string]string) *Result {
	if params == nil {
		params = map[string]any{}
	}
	input, err := json.Marshal(actionInput{
		Action:          action,
		Parameters:      params,
		UserID:          externalUserID,
		UserCredentials: credentials,
	})
	if err != nil {
		return d.failure(toolName, action, "encoding action input: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.Command(d.cfg.Interpreter, script)
	cmd.Env = d.env.Build(credentials, toolVars)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// New process group so a timeout can reap the child and anything it
	// spawned, not just the direct child.
	setProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return d.failure(toolName, action, "starting tool process: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		killProcessTree(cmd, log)
		<-done
		if errors.Is(runCtx.Err(), context.Canceled) {
			return d.failure(toolName, action, "execution canceled: %v", context.Cause(runCtx))
		}
		return d.failure(toolName, action, "execution timed out after %s", d.cfg.Timeout)
	case err = <-done:
	}

	if err != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = strings.TrimSpace(stdout.String())
		}
		if diag == "" {
			diag = err.Error()
		}
		return d.failure(toolName, action, "tool exited with error: %s", diag)
	}

	return &Result{
		Success:  true,
		Result:   parseToolOutput(stdout.Bytes()),
		ToolName: toolName,
		Action:   action,
	}
}

// parseToolOutput decodes the child's stdout as JSON when possible and
// falls back to the raw text otherwise. Tool scripts may emit plain text
// for trivial cases.
func parseToolOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return ""
	}
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		return parsed
	}
	return string(trimmed)
}
