// Package engine drives one task through its lifecycle: descriptor
// lookup, command build, subprocess execution, and status/output
// propagation to a StatusSink. Every per-task failure is converted into
// a terminal task status here; nothing escapes to the caller.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/internal/agent"
	"github.com/courierd/courier/internal/executor"
	"github.com/courierd/courier/internal/metrics"
	"github.com/courierd/courier/pkg/models"
)

// StatusSink receives status transitions and streamed output for tasks.
// Implementations must treat SetStatus as idempotent and AppendOutput as
// append-only. The engine owns exactly one executor per task, so
// AppendOutput is never called concurrently for the same task id.
type StatusSink interface {
	SetStatus(ctx context.Context, update models.StatusUpdate) error
	AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error
}

// Options tunes engine behavior.
type Options struct {
	// DefaultTimeout applies when neither the task nor the agent override it.
	DefaultTimeout time.Duration
	// TimeoutOverrides maps agent key to a per-agent timeout.
	TimeoutOverrides map[string]time.Duration
	// KillGrace is forwarded to the executor.
	KillGrace time.Duration
	// FlushInterval and FlushChunks bound output batching to the sink.
	FlushInterval time.Duration
	FlushChunks   int
}

// Engine executes tasks against the loaded agent registry.
type Engine struct {
	registry *agent.Registry
	exec     *executor.Executor
	sink     StatusSink
	metrics  *metrics.Metrics
	opts     Options
}

// New creates an Engine. The registry is shared read-only; m may be nil.
func New(registry *agent.Registry, exec *executor.Executor, sink StatusSink, m *metrics.Metrics, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = executor.DefaultTimeout
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.FlushChunks <= 0 {
		opts.FlushChunks = 8
	}
	return &Engine{registry: registry, exec: exec, sink: sink, metrics: m, opts: opts}
}

// Execute runs one task to a terminal status. It never returns an error:
// lookup failures, build failures, spawn failures, timeouts, and
// cancellations all end as a terminal status update on the sink. The
// returned status is the terminal status that was emitted.
func (e *Engine) Execute(ctx context.Context, task *models.Task) models.TaskStatus {
	log.Printf("[Engine] Executing task %s (agent=%s)", task.ID, task.AgentKey)

	descriptor, ok := e.registry.Get(task.AgentKey)
	if !ok {
		return e.finish(task, nil, fmt.Sprintf("unknown agent %q", task.AgentKey), models.TaskStatusFailed)
	}

	command, err := agent.BuildCommand(descriptor, task.Parameters)
	if err != nil {
		return e.finish(task, nil, err.Error(), models.TaskStatusFailed)
	}

	// Running is emitted before the process starts, and therefore before
	// any output chunk can reach the sink.
	startedAt := time.Now().UTC()
	task.StartedAt = &startedAt
	e.setStatus(models.StatusUpdate{
		TaskID:    task.ID,
		Status:    models.TaskStatusRunning,
		StartedAt: &startedAt,
	})

	flusher := newOutputFlusher(e.sink, task.ID, e.opts.FlushInterval, e.opts.FlushChunks)
	defer flusher.Close()

	result, runErr := e.exec.Run(ctx, command, executor.Options{
		Timeout:    e.timeoutFor(task),
		KillGrace:  e.opts.KillGrace,
		WorkingDir: stringParam(task.Parameters, "working_dir"),
		Env:        envParam(task.Parameters),
		OnStdout: func(chunk string) {
			if e.metrics != nil {
				e.metrics.OutputBytes.WithLabelValues(task.AgentKey).Add(float64(len(chunk)))
			}
			flusher.Append(chunk)
		},
	})

	// Flush any tail output before the terminal status, so the terminal
	// update is the last event observed for this task.
	flusher.Close()

	if runErr != nil {
		if e.metrics != nil {
			e.metrics.ProcessSpawns.WithLabelValues(task.AgentKey, "spawn_error").Inc()
		}
		return e.finish(task, nil, runErr.Error(), models.TaskStatusFailed)
	}

	if e.metrics != nil {
		e.metrics.ProcessSpawns.WithLabelValues(task.AgentKey, "ok").Inc()
		if result.TimedOut || ctx.Err() == context.Canceled {
			e.metrics.ProcessKills.Inc()
		}
	}

	status, errMsg := resolveTerminal(ctx, result)
	return e.finish(task, result, errMsg, status)
}

// resolveTerminal maps an execution result (plus the cancellation state
// of the task context) to a terminal status and error message.
func resolveTerminal(ctx context.Context, result *executor.Result) (models.TaskStatus, string) {
	switch {
	case result.TimedOut:
		return models.TaskStatusTimedOut,
			fmt.Sprintf("execution timed out after %dms", result.ExecutionTimeMillis)
	case ctx.Err() == context.Canceled:
		return models.TaskStatusCancelled, "cancelled"
	case result.ExitCode == 0:
		return models.TaskStatusCompleted, ""
	default:
		errMsg := strings.TrimSpace(result.Stderr)
		if errMsg == "" {
			errMsg = fmt.Sprintf("exit status %d", result.ExitCode)
		}
		return models.TaskStatusFailed, truncate(errMsg, 2000)
	}
}

// finish emits the terminal status update and mirrors it onto the task.
func (e *Engine) finish(task *models.Task, result *executor.Result, errMsg string, status models.TaskStatus) models.TaskStatus {
	completedAt := time.Now().UTC()
	task.CompletedAt = &completedAt
	task.Status = status
	task.Error = errMsg

	update := models.StatusUpdate{
		TaskID:      task.ID,
		Status:      status,
		CompletedAt: &completedAt,
		Error:       errMsg,
	}
	if result != nil {
		exit := result.ExitCode
		task.ExitCode = &exit
		update.ExitCode = &exit
	}
	e.setStatus(update)

	log.Printf("[Engine] Task %s finished: status=%s error=%q", task.ID, status, errMsg)
	return status
}

func (e *Engine) setStatus(update models.StatusUpdate) {
	// Status writes use a background context: a cancelled task still has
	// to get its terminal status through.
	if err := e.sink.SetStatus(context.Background(), update); err != nil {
		if e.metrics != nil {
			e.metrics.SinkErrors.WithLabelValues("set_status").Inc()
		}
		log.Printf("[Engine] Failed to set status for task %s: %v", update.TaskID, err)
		return
	}
	if e.metrics != nil {
		e.metrics.StatusUpdates.WithLabelValues(string(update.Status)).Inc()
	}
}

// timeoutFor resolves the effective timeout: task override, then agent
// override, then the default.
func (e *Engine) timeoutFor(task *models.Task) time.Duration {
	if task.TimeoutSecs > 0 {
		return time.Duration(task.TimeoutSecs) * time.Second
	}
	if d, ok := e.opts.TimeoutOverrides[task.AgentKey]; ok && d > 0 {
		return d
	}
	return e.opts.DefaultTimeout
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

// envParam reads the reserved "env" parameter, a map of extra environment
// variables for the subprocess.
func envParam(params map[string]interface{}) []string {
	raw, ok := params["env"].(map[string]interface{})
	if !ok {
		return nil
	}
	env := make([]string, 0, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			env = append(env, k+"="+s)
		}
	}
	return env
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
