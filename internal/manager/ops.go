package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tartvm-manager/internal/tart"
)

// taskSink adapts a task id into a live log sink for the runner.
func (m *Manager) taskSink(taskID string) tart.Sink {
	if taskID == "" {
		return nil
	}
	return func(line string) {
		_, _ = m.UpdateTask(taskID, TaskUpdate{Log: line})
	}
}

// runTart invokes one tart command on behalf of a task: the argv is
// recorded on the task up front, output streams into its log as it
// arrives, and the exit code and captured stderr are recorded after.
func (m *Manager) runTart(ctx context.Context, taskID string, args []string, timeout time.Duration) (tart.Result, error) {
	if taskID != "" {
		argv := append([]string{m.tartPath}, args...)
		_, _ = m.UpdateTask(taskID, TaskUpdate{Command: argv})
	}

	res, err := m.runner.Run(ctx, args, tart.RunOptions{Timeout: timeout, Sink: m.taskSink(taskID)})
	if err != nil {
		return res, err
	}

	if taskID != "" {
		ec := res.ExitCode
		_, _ = m.UpdateTask(taskID, TaskUpdate{ExitCode: &ec, Stderr: res.Stderr})
	}
	return res, nil
}

// drive runs fn as the single background driver of the task,
// transitioning PENDING -> RUNNING -> COMPLETED/FAILED and triggering
// a best-effort inventory refresh after successful mutations.
func (m *Manager) drive(taskID string, refreshAfter bool, fn func(ctx context.Context) (map[string]any, error)) {
	go func() {
		ctx := context.Background()
		_, _ = m.UpdateTask(taskID, TaskUpdate{Status: TaskRunning})

		result, err := fn(ctx)
		if err != nil {
			m.logger.Error("task failed", "task_id", taskID, "error", err)
			_, _ = m.UpdateTask(taskID, TaskUpdate{Status: TaskFailed, Error: err.Error()})
			return
		}
		_, _ = m.UpdateTask(taskID, TaskUpdate{Status: TaskCompleted, Result: result})

		if refreshAfter {
			m.RefreshInventoryBestEffort(ctx)
		}
	}()
}

// Version reports the installed tart version.
func (m *Manager) Version(ctx context.Context) (string, error) {
	res, err := m.runner.Run(ctx, []string{"--version"}, tart.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", tart.NewCommandError([]string{"--version"}, res)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ListVMs refreshes the inventory as a tracked task and returns the
// fresh VM list. Unlike the other operations it completes before
// returning; callers want the refreshed list, not a ticket.
func (m *Manager) ListVMs(ctx context.Context) ([]VM, error) {
	task := m.CreateTask("list_vms")
	_, _ = m.UpdateTask(task.ID, TaskUpdate{Status: TaskRunning})

	vms, err := m.refreshInventory(ctx, m.taskSink(task.ID))
	if err != nil {
		m.logger.Error("failed to list VMs", "error", err)
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Status: TaskFailed, Error: err.Error()})
		return nil, err
	}
	_, _ = m.UpdateTask(task.ID, TaskUpdate{
		Status: TaskCompleted,
		Result: map[string]any{"vms": vms},
	})
	return vms, nil
}

// StartVM starts a VM detached with VNC enabled, then polls for its IP
// so clients can render a vnc:// link.
func (m *Manager) StartVM(name string, extraArgs []string) Task {
	task := m.CreateTask("start_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		args := []string{"run", "--vnc", "--no-graphics"}
		args = append(args, extraArgs...)
		args = append(args, name)

		_, _ = m.UpdateTask(task.ID, TaskUpdate{
			Command: append([]string{m.tartPath}, args...),
			Log:     "Starting VM (detached)...",
		})

		pid, logPath, err := m.runner.StartDetached(ctx, args, name)
		if err != nil {
			return nil, fmt.Errorf("failed to start VM: %w", err)
		}
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("tart run started (pid=%d)", pid)})

		ip := m.pollForIP(ctx, name, task.ID)

		result := map[string]any{
			"message":  fmt.Sprintf("VM '%s' started successfully", name),
			"pid":      strconv.Itoa(pid),
			"log_path": logPath,
		}
		if ip != "" {
			result["ip_address"] = ip
			result["vnc_url"] = "vnc://" + ip
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VM IP: " + ip})
		} else {
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VM started but IP was not available yet"})
		}
		return result, nil
	})
	return task
}

// StopVM stops a VM. Older tart releases reject the --timeout flag, so
// a failed first attempt is retried once in the legacy form before the
// task fails.
func (m *Manager) StopVM(name string) Task {
	task := m.CreateTask("stop_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		res, err := m.runTart(ctx, task.ID, []string{"stop", "--timeout", "30", name}, 0)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			res, err = m.runTart(ctx, task.ID, []string{"stop", name}, 0)
			if err != nil {
				return nil, err
			}
			if res.ExitCode != 0 {
				return nil, tart.NewCommandError([]string{"stop", name}, res)
			}
		}
		return map[string]any{"message": fmt.Sprintf("VM '%s' stopped successfully", name)}, nil
	})
	return task
}

// DeleteVM deletes a VM and drops its cached configuration.
func (m *Manager) DeleteVM(name string) Task {
	task := m.CreateTask("delete_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		res, err := m.runTart(ctx, task.ID, []string{"delete", name}, 0)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, tart.NewCommandError([]string{"delete", name}, res)
		}
		m.InvalidateVMConfig(name)
		return map[string]any{"message": fmt.Sprintf("VM '%s' deleted successfully", name)}, nil
	})
	return task
}

// PullImage pulls a VM image from an OCI registry. Slow; the pull
// command class allows up to an hour.
func (m *Manager) PullImage(ociURL string) Task {
	task := m.CreateTask("pull_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		res, err := m.runTart(ctx, task.ID, []string{"pull", ociURL}, 0)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, tart.NewCommandError([]string{"pull", ociURL}, res)
		}
		return map[string]any{"message": "VM image pulled successfully: " + ociURL}, nil
	})
	return task
}

// CloneVM clones a VM and optionally starts the clone with VNC.
func (m *Manager) CloneVM(name, newName string, startAfter bool) Task {
	task := m.CreateTask("clone_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("Cloning %s to %s...", name, newName)})
		res, err := m.runTart(ctx, task.ID, []string{"clone", name, newName}, 0)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, tart.NewCommandError([]string{"clone", name, newName}, res)
		}
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "Clone completed: " + newName})

		result := map[string]any{
			"message":     "VM cloned successfully: " + newName,
			"new_vm_name": newName,
		}

		if startAfter {
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "Starting cloned VM with VNC..."})
			args := []string{"run", "--vnc", "--no-graphics", newName}
			pid, logPath, err := m.runner.StartDetached(ctx, args, newName)
			if err != nil {
				return nil, fmt.Errorf("failed to start cloned VM: %w", err)
			}
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("tart run started (pid=%d)", pid)})

			ip := m.pollForIP(ctx, newName, task.ID)
			result["started"] = true
			result["pid"] = strconv.Itoa(pid)
			result["log_path"] = logPath
			if ip != "" {
				result["ip_address"] = ip
				result["vnc_url"] = "vnc://" + ip
				_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VM IP: " + ip})
				_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VNC URL: vnc://" + ip})
			} else {
				_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VM started but IP was not available yet"})
			}
		}
		return result, nil
	})
	return task
}

// CreateVM creates a working VM from an already-pulled image: clone,
// then apply CPU/memory/disk settings. A failed set step degrades to a
// logged warning; only the clone itself can fail the task.
func (m *Manager) CreateVM(name, sourceVM string, cpu, memoryGB, diskGB int) Task {
	task := m.CreateTask("create_vm")
	m.drive(task.ID, true, func(ctx context.Context) (map[string]any, error) {
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("Cloning from %s to %s...", sourceVM, name)})
		res, err := m.runTart(ctx, task.ID, []string{"clone", sourceVM, name}, 0)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, tart.NewCommandError([]string{"clone", sourceVM, name}, res)
		}
		_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: "VM cloned successfully"})

		steps := []struct {
			log     string
			args    []string
			warning string
		}{
			{
				log:     fmt.Sprintf("Setting CPU cores to %d...", cpu),
				args:    []string{"set", name, "--cpu", strconv.Itoa(cpu)},
				warning: "Warning: Could not set CPU cores",
			},
			{
				log:     fmt.Sprintf("Setting memory to %dGB...", memoryGB),
				args:    []string{"set", name, "--memory", strconv.Itoa(memoryGB * 1024)},
				warning: "Warning: Could not set memory",
			},
			{
				log:     fmt.Sprintf("Setting disk size to %dGB...", diskGB),
				args:    []string{"set", name, "--disk-size", strconv.Itoa(diskGB)},
				warning: "Warning: Could not set disk size",
			},
		}
		for _, step := range steps {
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: step.log})
			res, err := m.runTart(ctx, task.ID, step.args, 0)
			if err != nil || res.ExitCode != 0 {
				m.logger.Warn("set step failed", "args", strings.Join(step.args, " "))
				_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: step.warning})
			}
		}

		return map[string]any{
			"message":   fmt.Sprintf("VM '%s' created successfully from %s", name, sourceVM),
			"name":      name,
			"source":    sourceVM,
			"cpu":       cpu,
			"memory":    fmt.Sprintf("%dGB", memoryGB),
			"disk_size": fmt.Sprintf("%dGB", diskGB),
		}, nil
	})
	return task
}

// pollForIP waits up to a minute for the VM to acquire an address,
// logging progress at most every ten seconds. Empty return means the
// VM started but has no IP yet; the caller treats that as non-fatal.
func (m *Manager) pollForIP(ctx context.Context, name, taskID string) string {
	deadline := time.Now().Add(60 * time.Second)
	var lastLog time.Time

	for time.Now().Before(deadline) {
		res, err := m.runner.Run(ctx, []string{"ip", name}, tart.RunOptions{Timeout: 5 * time.Second})
		if err == nil && res.ExitCode == 0 {
			if ip := strings.TrimSpace(res.Stdout); ip != "" {
				return ip
			}
		}

		if time.Since(lastLog) > 10*time.Second {
			lastLog = time.Now()
			_, _ = m.UpdateTask(taskID, TaskUpdate{Log: "Waiting for VM IP..."})
		}

		select {
		case <-ctx.Done():
			return ""
		case <-time.After(1500 * time.Millisecond):
		}
	}
	return ""
}
