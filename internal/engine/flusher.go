package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outputFlusher batches stdout chunks before forwarding them to the sink,
// so a chatty agent does not turn every line into a control-plane write.
// A batch is flushed when it reaches maxChunks pending chunks or when the
// flush interval elapses, whichever comes first.
//
// Sink writes happen under the mutex, which serializes them and preserves
// chunk order end to end.
type outputFlusher struct {
	sink     StatusSink
	taskID   uuid.UUID
	interval time.Duration
	max      int

	mu      sync.Mutex
	pending []string
	closed  bool
	done    chan struct{}
}

func newOutputFlusher(sink StatusSink, taskID uuid.UUID, interval time.Duration, maxChunks int) *outputFlusher {
	f := &outputFlusher{
		sink:     sink,
		taskID:   taskID,
		interval: interval,
		max:      maxChunks,
		done:     make(chan struct{}),
	}
	go f.loop()
	return f
}

// Append queues one chunk, flushing inline once the batch is full.
func (f *outputFlusher) Append(chunk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = append(f.pending, chunk)
	if len(f.pending) >= f.max {
		f.flushLocked()
	}
}

// Close flushes the remainder and stops the timer loop. Safe to call
// more than once.
func (f *outputFlusher) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	f.flushLocked()
	f.mu.Unlock()
}

func (f *outputFlusher) loop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.mu.Lock()
			f.flushLocked()
			f.mu.Unlock()
		case <-f.done:
			return
		}
	}
}

func (f *outputFlusher) flushLocked() {
	if len(f.pending) == 0 {
		return
	}
	batch := strings.Join(f.pending, "")
	f.pending = f.pending[:0]
	if err := f.sink.AppendOutput(context.Background(), f.taskID, batch); err != nil {
		log.Printf("[Engine] Failed to append output for task %s: %v", f.taskID, err)
	}
}
