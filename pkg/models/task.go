package models

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal task state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of work queued by a caller and executed by one agent.
type Task struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	// Priority orders ready tasks, 0 (lowest) through 10 (highest).
	Priority     int        `json:"priority"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	RequiredCaps []string   `json:"required_caps,omitempty"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	Input        string     `json:"input,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// Clone returns a deep copy of the task record.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.RequiredCaps = append([]string(nil), t.RequiredCaps...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.EndedAt != nil {
		ts := *t.EndedAt
		cp.EndedAt = &ts
	}
	return &cp
}

// TaskSpec contains the caller-supplied fields for submitting a task.
// ID is optional; when set it lets callers pre-wire dependency graphs
// before every member is submitted.
type TaskSpec struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
	RequiredCaps []string `json:"required_caps,omitempty"`
	Input        string   `json:"input,omitempty"`
}

// TaskFilter selects tasks for list operations. Zero values match all.
type TaskFilter struct {
	Status     TaskStatus `json:"status,omitempty"`
	Type       string     `json:"type,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// Matches reports whether the task passes the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

// TaskOutcome is an agent's report for one task execution.
type TaskOutcome struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskEnvelope is the frame sent to an agent subprocess for execution.
type TaskEnvelope struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Input    string `json:"input,omitempty"`
	Deadline int64  `json:"deadline_unix_ms,omitempty"`
}
