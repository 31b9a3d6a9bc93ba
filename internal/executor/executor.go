// Package executor runs built agent commands as child processes with a
// wall-clock timeout, incremental output capture, and a guaranteed-reap
// termination contract.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a run when the caller does not specify one.
	DefaultTimeout = 5 * time.Minute

	// DefaultKillGrace is how long a process gets between SIGTERM and
	// SIGKILL when a run is cut short.
	DefaultKillGrace = 5 * time.Second

	// readChunkSize is the stdout read granularity; each read becomes at
	// most one streamed chunk.
	readChunkSize = 4096
)

// Result is the terminal outcome of one subprocess run. Expected failure
// modes (non-zero exit, timeout) live here, not in an error.
type Result struct {
	Stdout              string   `json:"stdout"`
	Stderr              string   `json:"stderr"`
	ExitCode            int      `json:"exit_code"`
	TimedOut            bool     `json:"timed_out"`
	ExecutionTimeMillis int64    `json:"execution_time_ms"`
	Command             []string `json:"command"`
}

// Success reports whether the process exited cleanly within its timeout.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// SpawnError reports an unrecoverable spawn failure: executable not found,
// permission denied, bad working directory. Distinct from a normal
// non-zero exit, which is encoded in the Result instead.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options tunes a single run.
type Options struct {
	// Timeout is the wall-clock bound; DefaultTimeout when zero.
	Timeout time.Duration
	// KillGrace is the SIGTERM-to-SIGKILL window; DefaultKillGrace when zero.
	KillGrace time.Duration
	// WorkingDir is the subprocess cwd. A leading ~ is expanded.
	WorkingDir string
	// Env entries are appended to the inherited environment.
	Env []string
	// OnStdout receives each stdout chunk as it arrives, in stream order,
	// before the run completes. May be nil.
	OnStdout func(chunk string)
}

// Executor spawns agent subprocesses.
type Executor struct{}

// New creates an Executor.
func New() *Executor {
	return &Executor{}
}

// Run executes the command vector and blocks until the process has been
// reaped by the OS. On timeout or context cancellation the process is
// sent SIGTERM, then SIGKILL after the grace window; Run never returns
// with the child still alive.
//
// Run returns an error only for unrecoverable spawn failures. Non-zero
// exits and timeouts come back inside the Result.
func (e *Executor) Run(ctx context.Context, command []string, opts Options) (*Result, error) {
	if len(command) == 0 {
		return nil, &SpawnError{Command: "", Err: fmt.Errorf("empty command vector")}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Stdin = nil
	// Graceful escalation: context expiry sends SIGTERM; if the process
	// is still alive after the grace window, Wait kills it and reaps.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	if opts.WorkingDir != "" {
		cmd.Dir = expandHome(opts.WorkingDir)
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: command[0], Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: command[0], Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: command[0], Err: err}
	}
	log.Printf("[Executor] Started %s (pid=%d, timeout=%s)", command[0], cmd.Process.Pid, timeout)

	// Both pipes are drained concurrently; a full OS pipe buffer on
	// either stream would otherwise deadlock the child.
	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		drainStdout(stdoutPipe, &stdout, opts.OnStdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	result := &Result{
		Stdout:              stdout.String(),
		Stderr:              stderr.String(),
		ExecutionTimeMillis: elapsed.Milliseconds(),
		Command:             command,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = exitCodeOf(cmd, waitErr)
	case waitErr != nil:
		result.ExitCode = exitCodeOf(cmd, waitErr)
	default:
		result.ExitCode = 0
	}

	log.Printf("[Executor] %s finished: exit=%d timed_out=%v duration=%dms stdout=%dB stderr=%dB",
		command[0], result.ExitCode, result.TimedOut, result.ExecutionTimeMillis, stdout.Len(), stderr.Len())

	return result, nil
}

// drainStdout accumulates stdout and forwards each chunk in read order.
// A single reader goroutine owns the stream, so chunk delivery order
// matches process output order.
func drainStdout(r io.Reader, buf *bytes.Buffer, onChunk func(string)) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if onChunk != nil {
				onChunk(string(chunk[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

// exitCodeOf extracts the platform exit code, falling back to -1 when the
// process was killed before producing one.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
