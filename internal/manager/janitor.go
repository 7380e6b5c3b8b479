package manager

import (
	"context"
	"time"
)

// StartTaskCleanup launches the janitor: a periodic sweep that evicts
// completed/failed tasks older than ttl together with their subscriber
// sets, bounding memory growth. A second start is a no-op.
func (m *Manager) StartTaskCleanup(interval, ttl time.Duration) {
	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	if m.janitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.janitor = &loopHandle{cancel: cancel, done: done}
	go func() {
		defer close(done)
		for {
			m.cleanupOldTasks(ttl)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// StopTaskCleanup cancels the janitor and waits for it to exit.
func (m *Manager) StopTaskCleanup() {
	m.loopsMu.Lock()
	handle := m.janitor
	m.janitor = nil
	m.loopsMu.Unlock()
	if handle != nil {
		handle.stop()
	}
}

// cleanupOldTasks removes terminal tasks whose last update is older
// than ttl. Pending and running tasks are never touched, whatever
// their age.
func (m *Manager) cleanupOldTasks(ttl time.Duration) {
	now := time.Now()

	m.tasksMu.Lock()
	var evicted []string
	for id, task := range m.tasks {
		if !task.Status.Terminal() {
			continue
		}
		if now.Sub(task.UpdatedAt) > ttl {
			evicted = append(evicted, id)
		}
	}
	var orphaned []*subscriber
	for _, id := range evicted {
		delete(m.tasks, id)
		for sub := range m.subscribers[id] {
			orphaned = append(orphaned, sub)
		}
		delete(m.subscribers, id)
	}
	m.tasksMu.Unlock()

	// Close outside the lock; close wakes pump goroutines.
	for _, sub := range orphaned {
		sub.close()
	}

	if len(evicted) > 0 {
		m.logger.Info("cleaned up old tasks", "count", len(evicted))
	}
}
