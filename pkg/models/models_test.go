package models

import (
	"strings"
	"testing"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
		{TaskStatusTimedOut, true},
		{TaskStatus("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut,
	} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if TaskStatus("done").Valid() {
		t.Error("unknown status accepted")
	}
	if TaskStatus("").Valid() {
		t.Error("empty status accepted")
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask("dev-1", "claude", map[string]interface{}{"prompt": "hi"})

	if task.Status != TaskStatusPending {
		t.Errorf("got status %s", task.Status)
	}
	if task.DeviceID != "dev-1" || task.AgentKey != "claude" {
		t.Errorf("got %s/%s", task.DeviceID, task.AgentKey)
	}
	if task.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
	if task.ID == NewTask("dev-1", "claude", nil).ID {
		t.Error("ids should be unique")
	}
}

func TestRetryTask(t *testing.T) {
	original := NewTask("dev-1", "aider", map[string]interface{}{"message": "fix it"})
	original.Status = TaskStatusFailed
	original.Error = "exit status 1"
	original.TimeoutSecs = 120

	retry := RetryTask(original)

	if retry.ID == original.ID {
		t.Error("retry reused the original id")
	}
	if retry.RetryOf == nil || *retry.RetryOf != original.ID {
		t.Errorf("got retry_of %v", retry.RetryOf)
	}
	if retry.Status != TaskStatusPending {
		t.Errorf("got status %s", retry.Status)
	}
	if retry.Error != "" || retry.Output != "" {
		t.Error("retry carried over terminal state")
	}
	if retry.TimeoutSecs != 120 {
		t.Errorf("got timeout %d", retry.TimeoutSecs)
	}
	if retry.Parameters["message"] != "fix it" {
		t.Errorf("got parameters %v", retry.Parameters)
	}
	if original.Status != TaskStatusFailed || original.RetryOf != nil {
		t.Error("original task was mutated")
	}
}

func TestTaskSummary(t *testing.T) {
	task := NewTask("dev-1", "claude", map[string]interface{}{"prompt": "write tests"})
	if got := task.Summary(); got != "write tests" {
		t.Errorf("got summary %q", got)
	}

	task.Parameters = nil
	if got := task.Summary(); got != "claude task" {
		t.Errorf("got summary %q", got)
	}

	task.Parameters = map[string]interface{}{"prompt": strings.Repeat("x", 500)}
	if got := task.Summary(); len(got) != 200 {
		t.Errorf("got summary length %d", len(got))
	}
}
