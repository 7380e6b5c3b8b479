// Package manager is the orchestration core: it owns the task store
// and its subscriber fan-out, the VM inventory, the per-VM config
// cache, and the background monitor/janitor loops. All state lives in
// memory; the external tart tool is the only durable store.
package manager

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tartvm-manager/internal/tart"
)

type Options struct {
	Runner tart.Runner
	Logger *slog.Logger

	// TartPath is recorded in task command vectors; the Runner already
	// knows it for execution.
	TartPath string

	MaxTaskLogs    int
	ConfigCacheTTL time.Duration
	IPProbeLimit   int64
}

type Manager struct {
	runner   tart.Runner
	logger   *slog.Logger
	tartPath string

	maxTaskLogs    int
	configCacheTTL time.Duration

	// tasksMu guards tasks and subscribers together: every logical task
	// mutation and its fan-out happen under one critical section, which
	// is what keeps all subscribers' snapshot sequences identical.
	tasksMu     sync.Mutex
	tasks       map[string]*Task
	subscribers map[string]map[*subscriber]struct{}

	// invMu guards the inventory map; refreshMu serializes refresh
	// computations. Two locks so readers never wait behind a slow
	// external list command.
	invMu         sync.RWMutex
	inventory     map[string]VM
	lastRefresh   time.Time
	refreshMu     sync.Mutex
	ipProbeSem    *semaphore.Weighted
	ipProbeBudget int64

	configMu    sync.Mutex
	configCache map[string]configEntry

	loopsMu sync.Mutex
	monitor *loopHandle
	janitor *loopHandle
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLogs := opts.MaxTaskLogs
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	ttl := opts.ConfigCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	probes := opts.IPProbeLimit
	if probes <= 0 {
		probes = 3
	}
	tartPath := opts.TartPath
	if tartPath == "" {
		tartPath = "tart"
	}
	return &Manager{
		runner:         opts.Runner,
		logger:         logger,
		tartPath:       tartPath,
		maxTaskLogs:    maxLogs,
		configCacheTTL: ttl,
		tasks:          make(map[string]*Task),
		subscribers:    make(map[string]map[*subscriber]struct{}),
		inventory:      make(map[string]VM),
		ipProbeSem:     semaphore.NewWeighted(probes),
		ipProbeBudget:  probes,
		configCache:    make(map[string]configEntry),
	}
}

// loopHandle is a cancellable background loop. Stop cancels and then
// waits, so no iteration is left half-finished.
type loopHandle struct {
	cancel func()
	done   chan struct{}
}

func (h *loopHandle) stop() {
	h.cancel()
	<-h.done
}
