package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle status of an agent task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimedOut  TaskStatus = "timed_out"
)

// IsTerminal reports whether no further automatic transition occurs from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// Task is the unit of work tracked across the system boundary. It is
// created pending by the control plane, claimed by the dispatcher on the
// device it is addressed to, and driven to exactly one terminal status.
// A terminal task is never resurrected; re-running goes through retry,
// which creates a new task referencing the original.
type Task struct {
	ID          uuid.UUID              `json:"id"`
	DeviceID    string                 `json:"device_id"`
	AgentKey    string                 `json:"agent_key"`
	Parameters  map[string]interface{} `json:"parameters"`
	Status      TaskStatus             `json:"status"`
	Output      string                 `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ExitCode    *int                   `json:"exit_code,omitempty"`
	RetryOf     *uuid.UUID             `json:"retry_of,omitempty"`
	TimeoutSecs int                    `json:"timeout_seconds,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewTask creates a pending task for the given device and agent.
func NewTask(deviceID, agentKey string, parameters map[string]interface{}) *Task {
	return &Task{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		AgentKey:   agentKey,
		Parameters: parameters,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// RetryTask creates a brand-new pending task carrying the original task's
// agent key and parameters. The original task is not touched.
func RetryTask(original *Task) *Task {
	orig := original.ID
	t := NewTask(original.DeviceID, original.AgentKey, original.Parameters)
	t.RetryOf = &orig
	t.TimeoutSecs = original.TimeoutSecs
	return t
}

// StatusUpdate carries one status transition for a task. Fields left nil
// are not touched by the sink, so re-sending a terminal update is safe
// (last write wins on timestamps).
type StatusUpdate struct {
	TaskID      uuid.UUID  `json:"task_id"`
	Status      TaskStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Summary returns the task prompt (or agent key) truncated for event
// payloads and notifications.
func (t *Task) Summary() string {
	s, _ := t.Parameters["prompt"].(string)
	if s == "" {
		s = t.AgentKey + " task"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
