// Package runner executes one task's external command to completion,
// streaming its output, enforcing its timeout, and reporting the result
// back to the task store.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/task"
)

// ErrTimeout marks outcomes of runs that exceeded their configured
// timeout. The process is guaranteed to be dead before it is reported.
var ErrTimeout = errors.New("timeout exceeded")

// CommandBuilder turns a task into the final executable command string.
// It already encodes any sandboxing; a validation failure (e.g. an unsafe
// directory) is surfaced before anything is spawned.
type CommandBuilder interface {
	Build(t *task.Task) (string, error)
}

// FileTracker snapshots filesystem state around one execution and
// reports the observed changes.
type FileTracker interface {
	Start() error
	Stop() ([]task.FileChange, error)
}

// TrackerFactory creates a fresh tracker for one task execution.
type TrackerFactory func(t *task.Task) FileTracker

// Notification is the payload delivered to the notifier after a run.
type Notification struct {
	TaskID        string
	Description   string
	Success       bool
	ExecutionTime float64
	TokenUsage    int
	FileChanges   []task.FileChange
	ErrorMessage  string
	ResultPath    string
}

// Notifier delivers run outcomes to external consumers. Failures inside
// the notifier never affect task status.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config holds runner settings.
type Config struct {
	OutputDir    string
	ReadInterval time.Duration // sleep between read-loop ticks, default 100ms
}

// Runner executes tasks. One Runner is shared across worker goroutines;
// each Execute call owns exactly one subprocess for its duration.
type Runner struct {
	store      *store.Store
	builder    CommandBuilder
	newTracker TrackerFactory
	notifier   Notifier
	cfg        Config
}

// New creates a Runner. The tracker factory and notifier may be nil, in
// which case change tracking and notification are skipped.
func New(st *store.Store, builder CommandBuilder, newTracker TrackerFactory, notifier Notifier, cfg Config) *Runner {
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = 100 * time.Millisecond
	}
	return &Runner{
		store:      st,
		builder:    builder,
		newTracker: newTracker,
		notifier:   notifier,
		cfg:        cfg,
	}
}

// Execute runs the task's command to completion and reports the terminal
// status to the store. It never returns an error for failures that
// originate inside the spawned process; only a command that cannot be
// built or started at all propagates, after being recorded as the task's
// Failed state.
func (r *Runner) Execute(ctx context.Context, t *task.Task) (*task.Outcome, error) {
	start := time.Now()

	command, err := r.builder.Build(t)
	if err != nil {
		msg := fmt.Sprintf("command build failed: %v", err)
		r.markFailed(ctx, t, msg, time.Since(start).Seconds())
		r.notify(ctx, t, Notification{
			TaskID:       t.ID,
			Description:  t.Description,
			ErrorMessage: msg,
		})
		return &task.Outcome{Err: err}, fmt.Errorf("command build failed: %w", err)
	}

	var tracker FileTracker
	if r.newTracker != nil {
		tracker = r.newTracker(t)
		if err := tracker.Start(); err != nil {
			log.Printf("WARNING: file tracking unavailable for task %s: %v", t.ID, err)
			tracker = nil
		}
	}

	cmd := newCommand(command)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return r.abortSpawn(ctx, t, tracker, start, fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return r.abortSpawn(ctx, t, tracker, start, fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return r.abortSpawn(ctx, t, tracker, start, fmt.Errorf("failed to start command: %w", err))
	}

	// Persist the pid immediately so pause/resume/kill can target the
	// process from another control path before completion.
	pid := cmd.Process.Pid
	if _, err := r.store.UpdateStatus(ctx, t.ID, task.StatusRunning, &task.StatusUpdate{ProcessID: &pid}); err != nil {
		log.Printf("ERROR: failed to record pid for task %s: %v", t.ID, err)
	}
	r.addLog(ctx, t.ID, task.LogInfo, fmt.Sprintf("spawned process %d", pid))

	snap, err := newSnapshot(r.cfg.OutputDir, t.ID, command)
	if err != nil {
		log.Printf("ERROR: failed to initialize result file for task %s: %v", t.ID, err)
	} else if err := snap.write("", "", nil, nil, "running"); err != nil {
		log.Printf("ERROR: failed to write result file for task %s: %v", t.ID, err)
	}

	// Background readers feed a shared line channel; the loop below is
	// the only consumer. The channel closes once both pipes hit EOF,
	// which also means the process has exited or been killed.
	lines := make(chan streamLine, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(stdoutPipe, false, lines, &wg)
	go readLines(stderrPipe, true, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	var deadline time.Time
	if t.TimeoutSeconds > 0 {
		deadline = start.Add(time.Duration(t.TimeoutSeconds) * time.Second)
	}

	var stdoutBuf, stderrBuf strings.Builder
	timedOut := false
	cancelled := false

	ticker := time.NewTicker(r.cfg.ReadInterval)
	defer ticker.Stop()

	for open := true; open; {
		select {
		case ln, ok := <-lines:
			if !ok {
				// Both streams drained; the process is done.
				open = false
				continue
			}
			if ln.stderr {
				stderrBuf.WriteString(ln.text)
				stderrBuf.WriteByte('\n')
			} else {
				stdoutBuf.WriteString(ln.text)
				stdoutBuf.WriteByte('\n')
			}
			if snap != nil {
				elapsed := time.Since(start).Seconds()
				if err := snap.write(stdoutBuf.String(), stderrBuf.String(), nil, &elapsed, "running"); err != nil {
					log.Printf("WARNING: failed to update result file for task %s: %v", t.ID, err)
				}
			}
		case <-ticker.C:
			if !timedOut && !deadline.IsZero() && time.Now().After(deadline) {
				timedOut = true
				if err := killProcessGroup(pid); err != nil {
					log.Printf("ERROR: failed to kill timed-out task %s (pid %d): %v", t.ID, pid, err)
				}
			}
			if !cancelled && !timedOut && ctx.Err() != nil {
				cancelled = true
				if err := killProcessGroup(pid); err != nil {
					log.Printf("ERROR: failed to kill cancelled task %s (pid %d): %v", t.ID, pid, err)
				}
			}
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start).Seconds()
	returnCode := cmd.ProcessState.ExitCode()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	content, usage, toolCalls := parseStream(stdout)

	var changes []task.FileChange
	if tracker != nil {
		changes, err = tracker.Stop()
		if err != nil {
			log.Printf("WARNING: file tracking failed for task %s: %v", t.ID, err)
		}
		if err := r.writeChanges(t.ID, changes); err != nil {
			log.Printf("WARNING: failed to persist file changes for task %s: %v", t.ID, err)
		}
	}

	if snap != nil {
		if err := snap.write(stdout, stderr, &returnCode, &elapsed, "completed"); err != nil {
			log.Printf("WARNING: failed to finalize result file for task %s: %v", t.ID, err)
		}
	}

	outcome := &task.Outcome{
		Stdout:        stdout,
		Stderr:        stderr,
		ReturnCode:    returnCode,
		Content:       content,
		Usage:         usage,
		ToolCalls:     toolCalls,
		ExecutionTime: elapsed,
		FileChanges:   changes,
	}

	n := Notification{
		TaskID:        t.ID,
		Description:   t.Description,
		ExecutionTime: elapsed,
		TokenUsage:    usage.Total(),
		FileChanges:   changes,
	}

	switch {
	case timedOut:
		msg := fmt.Sprintf("timed out after %d seconds", t.TimeoutSeconds)
		outcome.Err = fmt.Errorf("%w: %s", ErrTimeout, msg)
		r.markFailed(ctx, t, msg, elapsed)
		r.addLog(ctx, t.ID, task.LogError, msg)
		n.ErrorMessage = msg
	case cancelled:
		msg := "execution cancelled"
		outcome.Err = fmt.Errorf("%s: %v", msg, ctx.Err())
		r.markFailed(ctx, t, msg, elapsed)
		r.addLog(ctx, t.ID, task.LogError, msg)
		n.ErrorMessage = msg
	case returnCode == 0 && waitErr == nil:
		outcome.Success = true
		resultPath := ""
		if snap != nil {
			resultPath = snap.path
		}
		total := usage.Total()
		if _, err := r.store.UpdateStatus(ctx, t.ID, task.StatusCompleted, &task.StatusUpdate{
			ResultPath:    &resultPath,
			TokenUsage:    &total,
			ExecutionTime: &elapsed,
		}); err != nil {
			log.Printf("ERROR: failed to mark task %s completed: %v", t.ID, err)
		}
		r.addLog(ctx, t.ID, task.LogInfo, fmt.Sprintf("completed in %.2fs", elapsed))
		n.Success = true
		n.ResultPath = resultPath
	default:
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			if waitErr != nil {
				// Signal deaths report code -1; the wait error names
				// the cause.
				msg = fmt.Sprintf("process exited with code %d: %v", returnCode, waitErr)
			} else {
				msg = fmt.Sprintf("process exited with code %d", returnCode)
			}
		}
		outcome.Err = fmt.Errorf("process failed: %s", msg)
		r.markFailed(ctx, t, msg, elapsed)
		r.addLog(ctx, t.ID, task.LogError, fmt.Sprintf("failed with exit code %d", returnCode))
		n.ErrorMessage = msg
	}

	r.notify(ctx, t, n)
	return outcome, nil
}

// abortSpawn handles failures to even construct the process: tracking is
// stopped, the task is marked Failed, and the error propagates.
func (r *Runner) abortSpawn(ctx context.Context, t *task.Task, tracker FileTracker, start time.Time, err error) (*task.Outcome, error) {
	if tracker != nil {
		if _, terr := tracker.Stop(); terr != nil {
			log.Printf("WARNING: file tracking cleanup failed for task %s: %v", t.ID, terr)
		}
	}
	msg := err.Error()
	r.markFailed(ctx, t, msg, time.Since(start).Seconds())
	r.notify(ctx, t, Notification{
		TaskID:       t.ID,
		Description:  t.Description,
		ErrorMessage: msg,
	})
	return &task.Outcome{Err: err}, err
}

func (r *Runner) markFailed(ctx context.Context, t *task.Task, msg string, elapsed float64) {
	if _, err := r.store.UpdateStatus(ctx, t.ID, task.StatusFailed, &task.StatusUpdate{
		ErrorMessage:  &msg,
		ExecutionTime: &elapsed,
	}); err != nil {
		log.Printf("ERROR: failed to mark task %s failed: %v", t.ID, err)
	}
}

func (r *Runner) notify(ctx context.Context, t *task.Task, n Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		log.Printf("WARNING: notification failed for task %s: %v", t.ID, err)
	}
}

func (r *Runner) addLog(ctx context.Context, taskID, level, message string) {
	if err := r.store.AddLog(ctx, taskID, level, message); err != nil {
		log.Printf("WARNING: failed to append log for task %s: %v", taskID, err)
	}
}

// writeChanges persists the observed change list alongside the task's
// result file.
func (r *Runner) writeChanges(taskID string, changes []task.FileChange) error {
	if changes == nil {
		changes = []task.FileChange{}
	}
	data, err := json.MarshalIndent(changes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file changes: %w", err)
	}
	path := filepath.Join(r.cfg.OutputDir, taskID+"_changes.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file changes: %w", err)
	}
	return nil
}
