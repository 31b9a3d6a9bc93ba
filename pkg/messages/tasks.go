// Package messages defines the wire payloads exchanged over NATS and
// the websocket event stream. Constructors stamp the type string and
// timestamp so publishers never hand-build payloads.
package messages

import (
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

// Task event type strings.
const (
	TypeTaskCreated   = "task.created"
	TypeTaskStatus    = "task.status"
	TypeTaskOutput    = "task.output"
	TypeTaskCancelled = "task.cancel"
	TypeLogEvent      = "log.event"
)

// TaskMessage announces a newly created task to the device it is
// addressed to.
type TaskMessage struct {
	Type      string       `json:"type"`
	Task      *models.Task `json:"task"`
	Timestamp time.Time    `json:"timestamp"`
}

// TaskCreated builds a task.created message.
func TaskCreated(task *models.Task) *TaskMessage {
	return &TaskMessage{
		Type:      TypeTaskCreated,
		Task:      task,
		Timestamp: time.Now().UTC(),
	}
}

// StatusMessage carries a task status transition.
type StatusMessage struct {
	Type        string            `json:"type"`
	TaskID      uuid.UUID         `json:"task_id"`
	DeviceID    string            `json:"device_id,omitempty"`
	AgentKey    string            `json:"agent_key,omitempty"`
	Status      models.TaskStatus `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// StatusChanged builds a task.status message from a status update.
func StatusChanged(update models.StatusUpdate) *StatusMessage {
	return &StatusMessage{
		Type:        TypeTaskStatus,
		TaskID:      update.TaskID,
		Status:      update.Status,
		StartedAt:   update.StartedAt,
		CompletedAt: update.CompletedAt,
		ExitCode:    update.ExitCode,
		Error:       update.Error,
		Timestamp:   time.Now().UTC(),
	}
}

// OutputMessage carries one flushed chunk of task output. Chunks for a
// single task are published in order; Seq lets consumers detect gaps.
type OutputMessage struct {
	Type      string    `json:"type"`
	TaskID    uuid.UUID `json:"task_id"`
	Chunk     string    `json:"chunk"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskOutput builds a task.output message.
func TaskOutput(taskID uuid.UUID, chunk string, seq int64) *OutputMessage {
	return &OutputMessage{
		Type:      TypeTaskOutput,
		TaskID:    taskID,
		Chunk:     chunk,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}

// LogEventMessage wraps a structured event-log entry for the websocket
// stream. Entry stays untyped here so the wire package does not depend
// on the log manager.
type LogEventMessage struct {
	Type      string      `json:"type"`
	Entry     interface{} `json:"entry"`
	Timestamp time.Time   `json:"timestamp"`
}

// LogEvent builds a log.event message.
func LogEvent(entry interface{}) *LogEventMessage {
	return &LogEventMessage{
		Type:      TypeLogEvent,
		Entry:     entry,
		Timestamp: time.Now().UTC(),
	}
}

// CancelMessage asks the device running a task to cancel it.
type CancelMessage struct {
	Type      string    `json:"type"`
	TaskID    uuid.UUID `json:"task_id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskCancel builds a task.cancel message.
func TaskCancel(taskID uuid.UUID, deviceID string) *CancelMessage {
	return &CancelMessage{
		Type:      TypeTaskCancelled,
		TaskID:    taskID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}
}
