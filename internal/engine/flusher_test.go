package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

// countingSink records each AppendOutput call separately.
type countingSink struct {
	mu      sync.Mutex
	batches []string
}

func (s *countingSink) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	return nil
}

func (s *countingSink) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, chunk)
	return nil
}

func (s *countingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.batches))
	copy(out, s.batches)
	return out
}

func TestFlusherBatchesByCount(t *testing.T) {
	sink := &countingSink{}
	f := newOutputFlusher(sink, uuid.New(), time.Hour, 3)
	defer f.Close()

	f.Append("a")
	f.Append("b")
	if len(sink.snapshot()) != 0 {
		t.Fatal("flushed before reaching the batch size")
	}

	f.Append("c")
	batches := sink.snapshot()
	if len(batches) != 1 || batches[0] != "abc" {
		t.Errorf("got batches %v", batches)
	}
}

func TestFlusherFlushesOnInterval(t *testing.T) {
	sink := &countingSink{}
	f := newOutputFlusher(sink, uuid.New(), 20*time.Millisecond, 100)
	defer f.Close()

	f.Append("tick")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	batches := sink.snapshot()
	if len(batches) != 1 || batches[0] != "tick" {
		t.Errorf("got batches %v", batches)
	}
}

func TestFlusherCloseFlushesTail(t *testing.T) {
	sink := &countingSink{}
	f := newOutputFlusher(sink, uuid.New(), time.Hour, 100)

	f.Append("tail")
	f.Close()

	batches := sink.snapshot()
	if len(batches) != 1 || batches[0] != "tail" {
		t.Errorf("got batches %v", batches)
	}

	// Idempotent; appends after close are dropped.
	f.Close()
	f.Append("late")
	if got := sink.snapshot(); len(got) != 1 {
		t.Errorf("got batches %v after close", got)
	}
}

func TestFlusherPreservesOrder(t *testing.T) {
	sink := &countingSink{}
	f := newOutputFlusher(sink, uuid.New(), time.Hour, 2)

	f.Append("1")
	f.Append("2")
	f.Append("3")
	f.Close()

	var joined string
	for _, b := range sink.snapshot() {
		joined += b
	}
	if joined != "123" {
		t.Errorf("got %q", joined)
	}
}
