// Package tart drives the external tart command-line tool. The tool is
// treated as an opaque capability behind the Runner interface so the
// orchestration layer never touches os/exec directly and tests can
// substitute a scripted fake.
package tart

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of a finished tart invocation. Stdout and
// Stderr hold the retained lines (ANSI-stripped, blank lines dropped)
// joined with newlines.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Sink receives retained output lines as they arrive. Lines read from
// stderr carry a "[stderr] " prefix. A Sink may be called from two
// goroutines concurrently and must be safe for that.
type Sink func(line string)

// RunOptions adjust a single invocation. A zero Timeout selects the
// per-command-class default.
type RunOptions struct {
	Timeout time.Duration
	Sink    Sink
}

// Runner executes tart commands. Run waits for the command to finish;
// StartDetached disowns the process and returns immediately.
type Runner interface {
	Run(ctx context.Context, args []string, opts RunOptions) (Result, error)
	StartDetached(ctx context.Context, args []string, vmName string) (pid int, logPath string, err error)
}

// Timeouts is the per-command-class default timeout policy. The
// classes reflect real latency differences: metadata queries are fast,
// image transfers are not.
type Timeouts struct {
	List   time.Duration
	Get    time.Duration
	IP     time.Duration
	Stop   time.Duration
	Delete time.Duration
	Pull   time.Duration
	Clone  time.Duration
}

// DefaultTimeouts mirrors the shipped configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		List:   5 * time.Second,
		Get:    10 * time.Second,
		IP:     4 * time.Second,
		Stop:   40 * time.Second,
		Delete: 60 * time.Second,
		Pull:   time.Hour,
		Clone:  2 * time.Minute,
	}
}

// forCommand returns the default timeout for the first argv word, or
// zero when the command has no class (no timeout).
func (t Timeouts) forCommand(args []string) time.Duration {
	if len(args) == 0 {
		return 0
	}
	switch args[0] {
	case "list":
		return t.List
	case "get":
		return t.Get
	case "ip":
		return t.IP
	case "stop":
		return t.Stop
	case "delete":
		return t.Delete
	case "pull":
		return t.Pull
	case "clone":
		return t.Clone
	}
	return 0
}

// CommandError is a failed tart invocation. The message prefers
// captured stderr, then stdout, then a generic phrase, so callers can
// surface it to users directly.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("tart %s timed out", strings.Join(e.Args, " "))
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(e.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("tart %s failed with exit code %d", strings.Join(e.Args, " "), e.ExitCode)
}

// NewCommandError wraps a non-zero Result as an error.
func NewCommandError(args []string, res Result) *CommandError {
	return &CommandError{
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
	}
}
