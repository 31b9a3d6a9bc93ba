// Package dispatch contains the claim-and-run loop that pulls pending
// tasks addressed to this device and fans them out to the execution
// engine, one goroutine per task, with single-flight protection per
// task id.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/internal/engine"
	"github.com/courierd/courier/internal/metrics"
	"github.com/courierd/courier/pkg/models"
)

// TaskSource supplies pending tasks. Delivery is at-least-once; the
// dispatcher deduplicates via its in-flight registry. Ack is idempotent.
type TaskSource interface {
	PollPending(ctx context.Context, deviceID string, limit int) ([]*models.Task, error)
	Ack(ctx context.Context, taskID uuid.UUID) error
}

// TaskStore is the subset of task persistence the dispatcher needs for
// retry and cancel.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	CreateTask(ctx context.Context, task *models.Task) error
}

// TaskNotifier pushes newly created tasks for a device, complementing
// polling. Implementations may deliver duplicates.
type TaskNotifier interface {
	SubscribeTasks(deviceID string, handler func(*models.Task)) error
}

// TaskRunner executes one task to a terminal status. Satisfied by
// *engine.Engine.
type TaskRunner interface {
	Execute(ctx context.Context, task *models.Task) models.TaskStatus
}

// Options tunes the dispatcher.
type Options struct {
	DeviceID     string
	PollInterval time.Duration
	PollLimit    int
}

// Dispatcher is the top-level claim-and-run loop.
type Dispatcher struct {
	source   TaskSource
	store    TaskStore
	sink     engine.StatusSink
	runner   TaskRunner
	notifier TaskNotifier // may be nil (poll-only mode)
	metrics  *metrics.Metrics
	opts     Options

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Dispatcher. notifier and m may be nil.
func New(source TaskSource, store TaskStore, sink engine.StatusSink, runner TaskRunner, notifier TaskNotifier, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 10
	}
	return &Dispatcher{
		source:   source,
		store:    store,
		sink:     sink,
		runner:   runner,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		inflight: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run executes the claim loop until ctx is cancelled, then waits for all
// in-flight tasks to finish. An initial poll drains the backlog that
// accumulated while the device was offline; the notifier (when present)
// delivers new tasks between polls.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[Dispatcher] Starting for device %q (poll every %s)", d.opts.DeviceID, d.opts.PollInterval)

	if d.notifier != nil {
		err := d.notifier.SubscribeTasks(d.opts.DeviceID, func(task *models.Task) {
			d.Dispatch(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("subscribe tasks: %w", err)
		}
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Shutting down, waiting for in-flight tasks")
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	tasks, err := d.source.PollPending(ctx, d.opts.DeviceID, d.opts.PollLimit)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[Dispatcher] Poll failed: %v", err)
		}
		return
	}
	for _, task := range tasks {
		d.Dispatch(ctx, task)
	}
}

// Dispatch claims a task and runs it on its own goroutine. A task id
// already in flight is ignored, so at-least-once delivery upstream never
// causes double execution. Tasks for other devices or in a non-pending
// state are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.Task) {
	if task == nil || ctx.Err() != nil {
		return
	}
	if task.DeviceID != d.opts.DeviceID {
		return
	}
	if task.Status != models.TaskStatusPending {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if _, running := d.inflight[task.ID]; running {
		d.mu.Unlock()
		cancel()
		return
	}
	d.inflight[task.ID] = cancel
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TasksInFlight.Inc()
	}

	d.wg.Add(1)
	go d.runTask(taskCtx, task)
}

// runTask drives one task and always clears the in-flight marker, even
// when the engine panics; a crashed run must not permanently block
// retries of that task id.
func (d *Dispatcher) runTask(ctx context.Context, task *models.Task) {
	start := time.Now()
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		if cancel, ok := d.inflight[task.ID]; ok {
			cancel()
			delete(d.inflight, task.ID)
		}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.TasksInFlight.Dec()
		}

		if r := recover(); r != nil {
			log.Printf("[Dispatcher] Panic running task %s: %v", task.ID, r)
			now := time.Now().UTC()
			if err := d.sink.SetStatus(context.Background(), models.StatusUpdate{
				TaskID:      task.ID,
				Status:      models.TaskStatusFailed,
				CompletedAt: &now,
				Error:       "internal error during execution",
			}); err != nil {
				log.Printf("[Dispatcher] Failed to record panic status for task %s: %v", task.ID, err)
			}
			if d.metrics != nil {
				d.metrics.RecordTask(task.AgentKey, string(models.TaskStatusFailed), time.Since(start))
			}
		}
	}()

	status := d.runner.Execute(ctx, task)

	if d.metrics != nil {
		d.metrics.RecordTask(task.AgentKey, string(status), time.Since(start))
	}

	if err := d.source.Ack(context.Background(), task.ID); err != nil {
		log.Printf("[Dispatcher] Ack failed for task %s: %v", task.ID, err)
	}
}

// Cancel stops a task. Pending tasks are moved straight to cancelled;
// running tasks get their execution context cancelled, which terminates
// the subprocess with the same guarantees as a timeout. Terminal tasks
// cannot be cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, taskID uuid.UUID) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	switch task.Status {
	case models.TaskStatusPending:
		// Mark in-flight so a concurrent poll cannot claim the task
		// while the cancelled status is being written.
		d.mu.Lock()
		if cancelRunning, running := d.inflight[task.ID]; running {
			d.mu.Unlock()
			cancelRunning()
			return nil
		}
		d.inflight[task.ID] = func() {}
		d.mu.Unlock()

		defer func() {
			d.mu.Lock()
			delete(d.inflight, task.ID)
			d.mu.Unlock()
		}()

		now := time.Now().UTC()
		return d.sink.SetStatus(ctx, models.StatusUpdate{
			TaskID:      taskID,
			Status:      models.TaskStatusCancelled,
			CompletedAt: &now,
			Error:       "cancelled",
		})

	case models.TaskStatusRunning:
		d.mu.Lock()
		cancel, running := d.inflight[taskID]
		d.mu.Unlock()
		if !running {
			return fmt.Errorf("task %s is not running on this device", taskID)
		}
		cancel()
		log.Printf("[Dispatcher] Cancelled running task %s", taskID)
		return nil

	default:
		return fmt.Errorf("task %s is %s; only pending or running tasks can be cancelled", taskID, task.Status)
	}
}

// Retry re-runs a terminal failed, timed-out, or cancelled task by
// creating a brand-new pending task that references the original. The
// original row is never mutated.
func (d *Dispatcher) Retry(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	original, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("retry task %s: %w", taskID, err)
	}
	if original == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	switch original.Status {
	case models.TaskStatusFailed, models.TaskStatusTimedOut, models.TaskStatusCancelled:
	default:
		return nil, fmt.Errorf("task %s is %s; only failed, timed-out, or cancelled tasks can be retried", taskID, original.Status)
	}

	retry := models.RetryTask(original)
	if err := d.store.CreateTask(ctx, retry); err != nil {
		return nil, fmt.Errorf("create retry task: %w", err)
	}
	if d.metrics != nil {
		d.metrics.TaskRetries.Inc()
	}

	log.Printf("[Dispatcher] Created retry task %s for %s", retry.ID, taskID)
	return retry, nil
}

// InFlight returns the number of tasks currently executing.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
