package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

// faultySink always fails.
type faultySink struct{}

func (faultySink) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	return errors.New("sink unavailable")
}

func (faultySink) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	return errors.New("sink unavailable")
}

func TestMultiSinkFansOut(t *testing.T) {
	primary := newRecordingSink()
	secondary := newRecordingSink()
	ms := NewMultiSink(primary, secondary, nil)

	ctx := context.Background()
	taskID := uuid.New()
	update := models.StatusUpdate{TaskID: taskID, Status: models.TaskStatusRunning}

	if err := ms.SetStatus(ctx, update); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := ms.AppendOutput(ctx, taskID, "hello"); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}

	for name, sink := range map[string]*recordingSink{"primary": primary, "secondary": secondary} {
		if got := sink.statuses(); len(got) != 1 || got[0] != models.TaskStatusRunning {
			t.Errorf("%s statuses = %v", name, got)
		}
		if sink.output[taskID] != "hello" {
			t.Errorf("%s output = %q", name, sink.output[taskID])
		}
	}
}

func TestMultiSinkPrimaryErrorAborts(t *testing.T) {
	secondary := newRecordingSink()
	ms := NewMultiSink(faultySink{}, secondary)

	ctx := context.Background()
	if err := ms.SetStatus(ctx, models.StatusUpdate{TaskID: uuid.New(), Status: models.TaskStatusRunning}); err == nil {
		t.Error("primary failure should surface")
	}
	if len(secondary.statuses()) != 0 {
		t.Error("secondary reached despite primary failure")
	}
}

func TestMultiSinkSecondaryErrorSwallowed(t *testing.T) {
	primary := newRecordingSink()
	ms := NewMultiSink(primary, faultySink{})

	ctx := context.Background()
	taskID := uuid.New()
	if err := ms.SetStatus(ctx, models.StatusUpdate{TaskID: taskID, Status: models.TaskStatusRunning}); err != nil {
		t.Errorf("secondary failure surfaced: %v", err)
	}
	if err := ms.AppendOutput(ctx, taskID, "x"); err != nil {
		t.Errorf("secondary failure surfaced: %v", err)
	}
}
