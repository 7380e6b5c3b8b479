package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tartvm-manager/internal/tart"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner scripts tart behavior per argv. Every call is recorded so
// tests can assert on the exact command sequence.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	run      func(args []string, opts tart.RunOptions) (tart.Result, error)
	detached func(args []string, vmName string) (int, string, error)
}

func (f *fakeRunner) Run(ctx context.Context, args []string, opts tart.RunOptions) (tart.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.run == nil {
		return tart.Result{}, nil
	}
	return f.run(args, opts)
}

func (f *fakeRunner) StartDetached(ctx context.Context, args []string, vmName string) (int, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{"detached:"}, args...))
	f.mu.Unlock()
	if f.detached == nil {
		return 12345, "/tmp/fake.log", nil
	}
	return f.detached(args, vmName)
}

func (f *fakeRunner) recorded() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// countCalls counts recorded invocations whose first word matches.
func (f *fakeRunner) countCalls(first string) int {
	n := 0
	for _, call := range f.recorded() {
		if len(call) > 0 && call[0] == first {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, runner *fakeRunner, opts ...func(*Options)) *Manager {
	t.Helper()
	o := Options{Runner: runner, TartPath: "tart"}
	for _, apply := range opts {
		apply(&o)
	}
	return New(o)
}

// waitTerminal polls until the task reaches a terminal state.
func waitTerminal(t *testing.T, m *Manager, id string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.GetTask(id)
		require.NoError(t, err)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return Task{}
}
