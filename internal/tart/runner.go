package tart

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CLI is the real Runner: it spawns the tart binary as a supervised
// subprocess.
type CLI struct {
	path     string
	logsDir  string
	timeouts Timeouts
	logger   *slog.Logger
}

func NewCLI(path, logsDir string, timeouts Timeouts, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		path:     path,
		logsDir:  logsDir,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Run executes tart with the given argv and waits for it to exit.
// stdout and stderr are read line-by-line by independent goroutines so
// neither stream can stall the other; retained lines are forwarded to
// the sink as they arrive. On timeout the whole process group is
// killed and both readers are drained before returning.
func (c *CLI) Run(ctx context.Context, args []string, opts RunOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.timeouts.forCommand(args)
	}

	cmd := exec.Command(c.path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start tart %s: %w", strings.Join(args, " "), err)
	}
	pid := cmd.Process.Pid

	var stdoutLines, stderrLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutLines = readLines(stdout, "", opts.Sink)
	}()
	go func() {
		defer wg.Done()
		stderrLines = readLines(stderr, "[stderr] ", opts.Sink)
	}()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	timedOut := false
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-drained:
	case <-timer:
		timedOut = true
		c.killGroup(pid)
		<-drained
	case <-ctx.Done():
		timedOut = true
		c.killGroup(pid)
		<-drained
	}

	_ = cmd.Wait()

	if timedOut && opts.Sink != nil {
		opts.Sink(fmt.Sprintf("[stderr] timed out after %s", timeout))
	}

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   strings.Join(stdoutLines, "\n"),
		Stderr:   strings.Join(stderrLines, "\n"),
		TimedOut: timedOut,
	}
	c.logger.Debug("tart command finished",
		"args", strings.Join(args, " "),
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
	)
	return res, nil
}

// killGroup force-kills the process and everything it spawned.
func (c *CLI) killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		// Group may be gone already; fall back to the single pid.
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// readLines drains one stream. Each line is ANSI-stripped; lines that
// were only control sequences are dropped so progress-bar redraws do
// not flood task logs.
func readLines(r io.Reader, prefix string, sink Sink) []string {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := stripANSI(strings.TrimRight(sc.Text(), "\r"))
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, text)
		if sink != nil {
			sink(prefix + text)
		}
	}
	return lines
}
