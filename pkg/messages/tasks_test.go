package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

func TestTaskCreated(t *testing.T) {
	task := models.NewTask("dev-1", "claude", map[string]interface{}{"prompt": "hi"})
	msg := TaskCreated(task)

	if msg.Type != TypeTaskCreated {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.Task != task {
		t.Error("task not carried")
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestStatusChanged(t *testing.T) {
	taskID := uuid.New()
	now := time.Now().UTC()
	exitCode := 0
	msg := StatusChanged(models.StatusUpdate{
		TaskID:      taskID,
		Status:      models.TaskStatusCompleted,
		CompletedAt: &now,
		ExitCode:    &exitCode,
	})

	if msg.Type != TypeTaskStatus {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.TaskID != taskID {
		t.Errorf("got task id %s", msg.TaskID)
	}
	if msg.Status != models.TaskStatusCompleted {
		t.Errorf("got status %s", msg.Status)
	}
	if msg.ExitCode == nil || *msg.ExitCode != 0 {
		t.Errorf("got exit code %v", msg.ExitCode)
	}
}

func TestTaskOutput(t *testing.T) {
	taskID := uuid.New()
	msg := TaskOutput(taskID, "line 1\n", 3)

	if msg.Type != TypeTaskOutput {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.Chunk != "line 1\n" || msg.Seq != 3 {
		t.Errorf("got chunk %q seq %d", msg.Chunk, msg.Seq)
	}
}

func TestTaskCancel(t *testing.T) {
	taskID := uuid.New()
	msg := TaskCancel(taskID, "dev-2")

	if msg.Type != TypeTaskCancelled {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.DeviceID != "dev-2" {
		t.Errorf("got device %q", msg.DeviceID)
	}
}

func TestStatusMessageJSONOmitsEmpty(t *testing.T) {
	msg := StatusChanged(models.StatusUpdate{
		TaskID: uuid.New(),
		Status: models.TaskStatusRunning,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"completed_at", "exit_code", "error"} {
		if _, ok := raw[field]; ok {
			t.Errorf("field %q should be omitted when unset", field)
		}
	}
	if raw["type"] != TypeTaskStatus {
		t.Errorf("got type %v", raw["type"])
	}
}
