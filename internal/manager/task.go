package manager

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is a tracked long-running operation. Instances are owned by the
// Manager; callers only ever see value snapshots.
type Task struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Status    TaskStatus     `json:"status"`
	Command   []string       `json:"command,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
	Logs      []string       `json:"logs"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// snapshot returns an independent copy safe to hand to subscribers.
func (t *Task) snapshot() Task {
	c := *t
	if t.Command != nil {
		c.Command = append([]string(nil), t.Command...)
	}
	if t.Logs != nil {
		c.Logs = append([]string(nil), t.Logs...)
	}
	if t.ExitCode != nil {
		ec := *t.ExitCode
		c.ExitCode = &ec
	}
	if t.Result != nil {
		r := make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			r[k] = v
		}
		c.Result = r
	}
	return c
}

// TaskUpdate is a partial mutation: only set fields are applied.
// Status, Error, Stderr and Log use the zero string as "unset";
// ExitCode is a pointer because zero is a meaningful exit code.
type TaskUpdate struct {
	Status   TaskStatus
	Command  []string
	ExitCode *int
	Result   map[string]any
	Error    string
	Stderr   string
	Log      string
}
