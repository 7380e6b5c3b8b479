package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"tartvm-manager/internal/tart"
)

// VMConfig is the parsed output of `tart get`. Raw carries the backing
// JSON untouched so newer tart fields pass through to API consumers.
type VMConfig struct {
	Name     string         `json:"name"`
	CPU      int            `json:"cpu,omitempty"`
	Memory   string         `json:"memory,omitempty"`
	DiskSize string         `json:"disk_size,omitempty"`
	Raw      map[string]any `json:"raw"`
}

type configEntry struct {
	fetchedAt time.Time
	config    VMConfig
}

// GetVMConfig returns the VM's configuration, served from cache when a
// fresh entry exists. force always re-invokes the tool and overwrites
// the cache. Failures and unparsable output are errors, never cached.
func (m *Manager) GetVMConfig(ctx context.Context, name string, force bool) (VMConfig, error) {
	if !force {
		m.configMu.Lock()
		entry, ok := m.configCache[name]
		m.configMu.Unlock()
		if ok && time.Since(entry.fetchedAt) < m.configCacheTTL {
			return entry.config, nil
		}
	}

	args := []string{"get", name, "--format", "json"}
	res, err := m.runner.Run(ctx, args, tart.RunOptions{})
	if err != nil {
		return VMConfig{}, err
	}
	if res.ExitCode != 0 {
		return VMConfig{}, tart.NewCommandError(args, res)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return VMConfig{}, fmt.Errorf("parse tart get output: %w", err)
	}

	cfg := VMConfig{
		Name: name,
		CPU:  firstInt(raw["CPU"], raw["cpu"], raw["cpus"], raw["Cpu"]),
		Raw:  raw,
	}
	cfg.Memory = formatGigs(firstValue(raw["Memory"], raw["memory"], raw["mem"], raw["Mem"]), 1024)
	cfg.DiskSize = formatGigs(firstValue(raw["Disk"], raw["disk"], raw["DiskSize"], raw["disk_size"], raw["diskSize"]), 1)

	m.configMu.Lock()
	m.configCache[name] = configEntry{fetchedAt: time.Now(), config: cfg}
	m.configMu.Unlock()

	return cfg, nil
}

// InvalidateVMConfig drops any cached entry for the VM. Called after
// destructive operations so a deleted VM's config is never served.
func (m *Manager) InvalidateVMConfig(name string) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	delete(m.configCache, name)
}

// InvalidateAllVMConfigs clears the whole cache.
func (m *Manager) InvalidateAllVMConfigs() {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.configCache = make(map[string]configEntry)
}

func firstValue(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// firstInt picks the first value that is a number or a numeric string.
// tart has emitted both over its releases.
func firstInt(values ...any) int {
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return parsed
			}
		}
	}
	return 0
}

// formatGigs converts a numeric size to a short human string using
// power-of-1024 division. divisor 1024 handles MB inputs (memory),
// divisor 1 handles values already in GB (disk). 8192 -> "8G",
// 8500 -> "8.3G". Non-numeric strings pass through unchanged.
func formatGigs(value any, divisor float64) string {
	var gigs float64
	switch v := value.(type) {
	case float64:
		gigs = v / divisor
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return ""
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return s
		}
		gigs = parsed / divisor
	default:
		return ""
	}
	if math.Abs(gigs-math.Round(gigs)) < 1e-9 {
		return fmt.Sprintf("%dG", int(math.Round(gigs)))
	}
	return fmt.Sprintf("%.1fG", gigs)
}
