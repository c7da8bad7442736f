//go:build windows

package dispatch

import (
	"os/exec"

	"go.uber.org/zap"
)

// setProcAttrs is a no-op on Windows; there is no Unix-style process
// group to configure.
func setProcAttrs(_ *exec.Cmd) {}

// killProcessTree terminates the direct child. Grandchildren spawned by
// the tool script are not reaped here; Job Object support would be
// needed for that.
func killProcessTree(cmd *exec.Cmd, logger *zap.SugaredLogger) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		logger.Warnw("killing tool process failed", "pid", cmd.Process.Pid, "error", err)
	}
}
