package tart

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// StartDetached launches a long-lived tart command (tart run) in its
// own session with stdout/stderr redirected to a log file, and returns
// without waiting for it. The caller gets the pid and the log path;
// the process survives this daemon's exit.
func (c *CLI) StartDetached(ctx context.Context, args []string, vmName string) (int, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(c.logsDir, 0o700); err != nil {
		return 0, "", fmt.Errorf("create logs dir: %w", err)
	}

	name := sanitizeName(vmName)
	logPath := filepath.Join(c.logsDir, fmt.Sprintf("%s-%s.log", name, time.Now().Format("20060102-150405")))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, "", fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(c.path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("start detached tart %s: %w", strings.Join(args, " "), err)
	}
	pid := cmd.Process.Pid

	// Disown: no Wait, no reaping tied to this process's lifetime.
	_ = cmd.Process.Release()

	c.logger.Info("started detached tart process", "pid", pid, "log_path", logPath)
	return pid, logPath, nil
}

// sanitizeName confines a VM name to a filename-safe character set so
// it cannot traverse out of the logs directory.
func sanitizeName(vmName string) string {
	var b strings.Builder
	for _, r := range vmName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "vm"
	}
	return b.String()
}
