package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"syscall"

	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/task"
)

// ControlResult reports the outcome of a pause/resume/kill request as
// data a front end can display. Failed preconditions leave the task
// unmutated.
type ControlResult struct {
	OK      bool
	Status  task.Status // task status after the operation (empty if unknown)
	Message string
}

// Pause stops a running task's process with SIGSTOP and marks it paused.
func (r *Runner) Pause(ctx context.Context, taskID string) ControlResult {
	t, res := r.controlTarget(ctx, taskID, task.StatusRunning)
	if t == nil {
		return res
	}

	pid := *t.ProcessID
	if res, ok := probeFailure(pid, t.Status); !ok {
		return res
	}
	if err := signalGroup(pid, syscall.SIGSTOP); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to signal process %d: %v", pid, err)}
	}

	if _, err := r.store.UpdateStatus(ctx, taskID, task.StatusPaused, nil); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to record pause: %v", err)}
	}
	r.addLog(ctx, taskID, task.LogInfo, fmt.Sprintf("paused process %d", pid))
	return ControlResult{OK: true, Status: task.StatusPaused, Message: "task paused"}
}

// Resume continues a paused task's process with SIGCONT and marks it
// running again.
func (r *Runner) Resume(ctx context.Context, taskID string) ControlResult {
	t, res := r.controlTarget(ctx, taskID, task.StatusPaused)
	if t == nil {
		return res
	}

	pid := *t.ProcessID
	if res, ok := probeFailure(pid, t.Status); !ok {
		return res
	}
	if err := signalGroup(pid, syscall.SIGCONT); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to signal process %d: %v", pid, err)}
	}

	if _, err := r.store.UpdateStatus(ctx, taskID, task.StatusRunning, nil); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to record resume: %v", err)}
	}
	r.addLog(ctx, taskID, task.LogInfo, fmt.Sprintf("resumed process %d", pid))
	return ControlResult{OK: true, Status: task.StatusRunning, Message: "task resumed"}
}

// Kill forcefully terminates a running or paused task and marks it
// cancelled. Killing a task whose process is already gone is success:
// the operation is idempotent.
func (r *Runner) Kill(ctx context.Context, taskID string) ControlResult {
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return lookupFailure(taskID, err)
	}
	if t.Status != task.StatusRunning && t.Status != task.StatusPaused {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("cannot kill task in status %q", t.Status)}
	}

	if t.ProcessID == nil || Probe(*t.ProcessID) == NotFound {
		msg := "already terminated"
		if _, err := r.store.UpdateStatus(ctx, taskID, task.StatusCancelled, &task.StatusUpdate{ErrorMessage: &msg}); err != nil {
			return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to record cancellation: %v", err)}
		}
		return ControlResult{OK: true, Status: task.StatusCancelled, Message: msg}
	}

	pid := *t.ProcessID
	if Probe(pid) == PermissionDenied {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("no permission to signal process %d", pid)}
	}
	if err := killProcessGroup(pid); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to kill process %d: %v", pid, err)}
	}

	msg := "killed by request"
	if _, err := r.store.UpdateStatus(ctx, taskID, task.StatusCancelled, &task.StatusUpdate{ErrorMessage: &msg}); err != nil {
		return ControlResult{Status: t.Status, Message: fmt.Sprintf("failed to record cancellation: %v", err)}
	}
	r.addLog(ctx, taskID, task.LogInfo, fmt.Sprintf("killed process %d", pid))
	return ControlResult{OK: true, Status: task.StatusCancelled, Message: "task killed"}
}

// controlTarget loads the task and validates the status and process-id
// preconditions shared by Pause and Resume.
func (r *Runner) controlTarget(ctx context.Context, taskID string, want task.Status) (*task.Task, ControlResult) {
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, lookupFailure(taskID, err)
	}
	if t.Status != want {
		return nil, ControlResult{Status: t.Status, Message: fmt.Sprintf("task is %q, not %q", t.Status, want)}
	}
	if t.ProcessID == nil {
		return nil, ControlResult{Status: t.Status, Message: "no recorded process id"}
	}
	return t, ControlResult{}
}

func probeFailure(pid int, status task.Status) (ControlResult, bool) {
	switch Probe(pid) {
	case NotFound:
		return ControlResult{Status: status, Message: fmt.Sprintf("process %d not found", pid)}, false
	case PermissionDenied:
		return ControlResult{Status: status, Message: fmt.Sprintf("no permission to signal process %d", pid)}, false
	}
	return ControlResult{}, true
}

func lookupFailure(taskID string, err error) ControlResult {
	if errors.Is(err, store.ErrNotFound) {
		return ControlResult{Message: fmt.Sprintf("task not found: %s", taskID)}
	}
	log.Printf("ERROR: failed to load task %s: %v", taskID, err)
	return ControlResult{Message: fmt.Sprintf("storage error: %v", err)}
}
