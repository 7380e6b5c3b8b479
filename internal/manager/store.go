package manager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrTaskNotFound = errors.New("task not found")

// CreateTask registers a new pending task and returns its snapshot.
func (m *Manager) CreateTask(action string) Task {
	now := time.Now()
	task := &Task{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.tasks[task.ID] = task
	m.subscribers[task.ID] = make(map[*subscriber]struct{})
	return task.snapshot()
}

// UpdateTask applies the set fields of up, bumps the update timestamp
// and fans the resulting snapshot out to every subscriber in order.
func (m *Manager) UpdateTask(id string, up TaskUpdate) (Task, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}

	if up.Status != "" {
		task.Status = up.Status
	}
	if up.Command != nil {
		task.Command = append([]string(nil), up.Command...)
	}
	if up.ExitCode != nil {
		ec := *up.ExitCode
		task.ExitCode = &ec
	}
	if up.Result != nil {
		task.Result = up.Result
	}
	if up.Error != "" {
		task.Error = up.Error
	}
	if up.Stderr != "" {
		task.Stderr = up.Stderr
	}
	if up.Log != "" {
		task.Logs = append(task.Logs, up.Log)
		if len(task.Logs) > m.maxTaskLogs {
			task.Logs = task.Logs[len(task.Logs)-m.maxTaskLogs:]
		}
	}
	task.UpdatedAt = time.Now()

	snap := task.snapshot()
	for sub := range m.subscribers[id] {
		sub.push(snap)
	}
	return snap, nil
}

// GetTask returns a snapshot of one task.
func (m *Manager) GetTask(id string) (Task, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task.snapshot(), nil
}

// ActiveTasks returns all pending or running tasks, oldest first.
func (m *Manager) ActiveTasks() []Task {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	var active []Task
	for _, task := range m.tasks {
		if !task.Status.Terminal() {
			active = append(active, task.snapshot())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Subscribe registers a new listener for the task's updates. The
// returned channel yields one snapshot per update, in the order the
// updates were applied; it never self-terminates, the consumer stops
// after a terminal snapshot. cancel detaches the listener and is safe
// to call more than once.
func (m *Manager) Subscribe(id string) (<-chan Task, func()) {
	sub := newSubscriber()

	m.tasksMu.Lock()
	set, ok := m.subscribers[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		m.subscribers[id] = set
	}
	set[sub] = struct{}{}
	m.tasksMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.tasksMu.Lock()
			if set, ok := m.subscribers[id]; ok {
				delete(set, sub)
			}
			m.tasksMu.Unlock()
			sub.close()
		})
	}
	return sub.out, cancel
}

// subscriber is one listener's unbounded delivery queue. push never
// blocks the caller: snapshots land in a buffer and a pump goroutine
// feeds the consumer at its own pace, so a slow reader cannot stall
// the task mutator or other subscribers.
type subscriber struct {
	mu        sync.Mutex
	buf       []Task
	closed    bool
	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	out       chan Task
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan Task),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(t Task) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, t)
	s.mu.Unlock()
	s.signal()
}

// close detaches the queue. Undelivered snapshots are dropped; the
// consumer is gone or no longer cares.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.buf
		s.buf = nil
		s.mu.Unlock()

		for _, t := range batch {
			select {
			case s.out <- t:
			case <-s.quit:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}
