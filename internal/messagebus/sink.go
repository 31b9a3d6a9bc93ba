package messagebus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

// BusSink republishes status transitions and output chunks onto the
// message bus so remote observers (CLI tail, control plane) see them
// live. Output sequence numbers are per task, starting at 1.
type BusSink struct {
	bus StatusPublisher

	mu  sync.Mutex
	seq map[uuid.UUID]int64
}

// NewBusSink wraps a StatusPublisher as a status sink.
func NewBusSink(bus StatusPublisher) *BusSink {
	return &BusSink{
		bus: bus,
		seq: make(map[uuid.UUID]int64),
	}
}

func (s *BusSink) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	if update.Status.IsTerminal() {
		// The task is done; its sequence counter is no longer needed.
		s.mu.Lock()
		delete(s.seq, update.TaskID)
		s.mu.Unlock()
	}
	return s.bus.PublishStatus(ctx, messages.StatusChanged(update))
}

func (s *BusSink) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	s.mu.Lock()
	s.seq[taskID]++
	seq := s.seq[taskID]
	s.mu.Unlock()

	return s.bus.PublishOutput(ctx, messages.TaskOutput(taskID, chunk, seq))
}
