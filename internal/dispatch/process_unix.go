//go:build unix

package dispatch

import (
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// setProcAttrs places the child in its own process group so the whole
// tree can be signaled at once on timeout.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// killProcessTree forcibly terminates the child and every process in its
// group. A hung or misbehaving tool must not be merely abandoned.
func killProcessTree(cmd *exec.Cmd, logger *zap.SugaredLogger) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		logger.Warnw("process group lookup failed, killing pid only", "pid", pid, "error", err)
		_ = cmd.Process.Kill()
		return
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		logger.Debugw("SIGTERM to process group failed", "pgid", pgid, "error", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := syscall.Kill(-pgid, 0); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			logger.Warnw("SIGKILL to process group failed", "pgid", pgid, "error", err)
			_ = cmd.Process.Kill()
		}
	}
}
