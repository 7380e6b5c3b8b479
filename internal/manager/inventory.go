package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tartvm-manager/internal/tart"
)

var ErrVMNotFound = errors.New("vm not found")

type VMStatus string

const (
	VMRunning VMStatus = "running"
	VMStopped VMStatus = "stopped"
	VMUnknown VMStatus = "unknown"
)

// VM is one inventory entry. Entries are recomputed wholesale on every
// refresh; only the IP address is filled in asynchronously, and only
// within the refresh batch that created the entry.
type VM struct {
	Name      string   `json:"name"`
	Status    VMStatus `json:"status"`
	IPAddress string   `json:"ip_address,omitempty"`
	Source    string   `json:"source,omitempty"`
	OS        string   `json:"os,omitempty"`
	CPU       int      `json:"cpu,omitempty"`
	Memory    string   `json:"memory,omitempty"`
	DiskSize  int      `json:"disk_size,omitempty"`
	Display   string   `json:"display,omitempty"`
}

// VMSummary counts inventory members by status.
type VMSummary struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Unknown int `json:"unknown"`
}

// VMCategories splits the inventory into registry-pulled base images
// and locally created working VMs.
type VMCategories struct {
	BaseImages []VM `json:"base_images"`
	WorkingVMs []VM `json:"working_vms"`
}

// listEntry tolerates both output shapes tart has used for list:
// a Running boolean or a State string.
type listEntry struct {
	Name    string `json:"Name"`
	Running bool   `json:"Running"`
	State   string `json:"State"`
	Source  string `json:"Source"`
	Disk    int    `json:"Disk"`
}

// Inventory returns a name-sorted snapshot of the current inventory
// without triggering a refresh.
func (m *Manager) Inventory() []VM {
	m.invMu.RLock()
	defer m.invMu.RUnlock()
	names := make([]string, 0, len(m.inventory))
	for name := range m.inventory {
		names = append(names, name)
	}
	sort.Strings(names)
	vms := make([]VM, 0, len(names))
	for _, name := range names {
		vms = append(vms, m.inventory[name])
	}
	return vms
}

// GetVM returns one inventory entry by name.
func (m *Manager) GetVM(name string) (VM, error) {
	m.invMu.RLock()
	defer m.invMu.RUnlock()
	vm, ok := m.inventory[name]
	if !ok {
		return VM{}, ErrVMNotFound
	}
	return vm, nil
}

// LastRefresh reports when the inventory was last replaced.
func (m *Manager) LastRefresh() time.Time {
	m.invMu.RLock()
	defer m.invMu.RUnlock()
	return m.lastRefresh
}

// Summary counts the current inventory by status.
func (m *Manager) Summary() VMSummary {
	s := VMSummary{}
	for _, vm := range m.Inventory() {
		s.Total++
		switch vm.Status {
		case VMRunning:
			s.Running++
		case VMStopped:
			s.Stopped++
		default:
			s.Unknown++
		}
	}
	return s
}

// Categorized splits the inventory into OCI base images and working
// VMs. A VM counts as a base image when tart marks its source as OCI
// or its name carries a registry prefix.
func (m *Manager) Categorized() VMCategories {
	cats := VMCategories{BaseImages: []VM{}, WorkingVMs: []VM{}}
	for _, vm := range m.Inventory() {
		if isOCIImage(vm) {
			cats.BaseImages = append(cats.BaseImages, vm)
		} else {
			cats.WorkingVMs = append(cats.WorkingVMs, vm)
		}
	}
	return cats
}

func isOCIImage(vm VM) bool {
	if strings.EqualFold(vm.Source, "oci") {
		return true
	}
	for _, prefix := range []string{"ghcr.io", "docker.io", "gcr.io"} {
		if strings.HasPrefix(vm.Source, prefix) || strings.HasPrefix(vm.Name, prefix+"/") {
			return true
		}
	}
	return false
}

// RefreshInventory rebuilds the inventory from the external tool. At
// most one refresh computation runs at a time; a caller arriving
// mid-refresh waits and then runs its own.
func (m *Manager) RefreshInventory(ctx context.Context) ([]VM, error) {
	return m.refreshInventory(ctx, nil)
}

// RefreshInventoryBestEffort refreshes and swallows every failure. It
// backs opportunistic refreshes after mutating operations and at
// startup, which must never fail their caller.
func (m *Manager) RefreshInventoryBestEffort(ctx context.Context) {
	if _, err := m.refreshInventory(ctx, nil); err != nil {
		m.logger.Warn("best-effort inventory refresh failed", "error", err)
	}
}

func (m *Manager) refreshInventory(ctx context.Context, sink tart.Sink) ([]VM, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	vms, err := m.inventoryFromTart(ctx, sink)
	if err != nil {
		return nil, err
	}

	// The full replacement set was computed off to the side; swap it in
	// atomically so readers never see a mix of two refreshes.
	next := make(map[string]VM, len(vms))
	for _, vm := range vms {
		next[vm.Name] = vm
	}
	m.invMu.Lock()
	m.inventory = next
	m.lastRefresh = time.Now()
	m.invMu.Unlock()

	return vms, nil
}

// inventoryFromTart lists VMs and probes IP addresses for the running
// ones with bounded concurrency. A failed or empty probe leaves the
// address unset rather than failing the refresh.
func (m *Manager) inventoryFromTart(ctx context.Context, sink tart.Sink) ([]VM, error) {
	res, err := m.runner.Run(ctx, []string{"list", "--format", "json"}, tart.RunOptions{Sink: sink})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, tart.NewCommandError([]string{"list", "--format", "json"}, res)
	}

	var entries []listEntry
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("parse tart list output: %w", err)
	}

	vms := make([]*VM, 0, len(entries))
	var wg sync.WaitGroup
	for _, entry := range entries {
		running := entry.Running || entry.State == "running"
		status := VMStopped
		if running {
			status = VMRunning
		}
		vm := &VM{
			Name:     entry.Name,
			Status:   status,
			Source:   entry.Source,
			DiskSize: entry.Disk,
		}
		vms = append(vms, vm)

		if running {
			wg.Add(1)
			go func(vm *VM) {
				defer wg.Done()
				m.probeIP(ctx, vm, sink)
			}(vm)
		}
	}
	wg.Wait()

	out := make([]VM, 0, len(vms))
	for _, vm := range vms {
		out = append(out, *vm)
	}
	return out, nil
}

func (m *Manager) probeIP(ctx context.Context, vm *VM, sink tart.Sink) {
	if err := m.ipProbeSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.ipProbeSem.Release(1)

	res, err := m.runner.Run(ctx, []string{"ip", "--wait", "2", vm.Name}, tart.RunOptions{Sink: sink})
	if err != nil || res.ExitCode != 0 {
		return
	}
	if ip := strings.TrimSpace(res.Stdout); ip != "" {
		vm.IPAddress = ip
	}
}

// StartInventoryMonitoring launches the periodic best-effort refresh
// loop. A second start while one is running is a no-op.
func (m *Manager) StartInventoryMonitoring(interval time.Duration) {
	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	if m.monitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.monitor = &loopHandle{cancel: cancel, done: done}
	go func() {
		defer close(done)
		for {
			m.RefreshInventoryBestEffort(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// StopInventoryMonitoring cancels the monitor loop and waits for it to
// exit. Safe to call when no loop is running.
func (m *Manager) StopInventoryMonitoring() {
	m.loopsMu.Lock()
	handle := m.monitor
	m.monitor = nil
	m.loopsMu.Unlock()
	if handle != nil {
		handle.stop()
	}
}
