package engine

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

// MultiSink fans status and output out to several sinks. The first sink
// is authoritative: its error is returned and aborts the fan-out.
// Errors from the remaining sinks are logged and swallowed so a flaky
// observer (bus, cache, websocket) cannot fail task bookkeeping.
type MultiSink struct {
	primary StatusSink
	rest    []StatusSink
}

// NewMultiSink builds a MultiSink. primary must not be nil; nil entries
// in rest are skipped.
func NewMultiSink(primary StatusSink, rest ...StatusSink) *MultiSink {
	ms := &MultiSink{primary: primary}
	for _, s := range rest {
		if s != nil {
			ms.rest = append(ms.rest, s)
		}
	}
	return ms
}

func (ms *MultiSink) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	if err := ms.primary.SetStatus(ctx, update); err != nil {
		return err
	}
	for _, s := range ms.rest {
		if err := s.SetStatus(ctx, update); err != nil {
			log.Printf("[MultiSink] Secondary sink failed to record status for task %s: %v", update.TaskID, err)
		}
	}
	return nil
}

func (ms *MultiSink) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	if err := ms.primary.AppendOutput(ctx, taskID, chunk); err != nil {
		return err
	}
	for _, s := range ms.rest {
		if err := s.AppendOutput(ctx, taskID, chunk); err != nil {
			log.Printf("[MultiSink] Secondary sink failed to record output for task %s: %v", taskID, err)
		}
	}
	return nil
}
