package runner

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Liveness is the three-way result of probing a process id.
type Liveness int

const (
	Alive Liveness = iota
	NotFound
	PermissionDenied
)

// Probe checks whether a process exists without disturbing it, using
// signal 0. Callers branch on the returned value rather than on error
// types.
func Probe(pid int) Liveness {
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, syscall.EPERM):
		// The process exists but belongs to another user.
		return PermissionDenied
	default:
		return NotFound
	}
}

// newCommand wraps a pre-built command string in a shell invocation with
// process group isolation. The Setpgid flag puts the subprocess in its
// own process group so the entire subprocess tree can be signaled
// together.
func newCommand(command string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// signalGroup sends sig to the process group led by pid. Falls back to
// signaling the single process if the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return syscall.Kill(pid, sig)
		}
		return err
	}
	return nil
}

// killProcessGroup forcefully terminates the process group led by pid,
// including any children it spawned.
func killProcessGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// streamLine is one line of subprocess output tagged with its stream.
type streamLine struct {
	text   string
	stderr bool
}

// readLines drains one pipe line by line into the shared channel. The
// runner's read loop never touches the pipes directly; it drains the
// channel, which closes only after both pipes hit EOF. This keeps the
// pipes fully drained before cmd.Wait() is called, preventing deadlocks
// when output exceeds pipe buffer capacity.
//
// A line over the scanner cap stops line-oriented reading, but the pipe
// must still be drained to EOF or the child blocks writing and never
// exits; the oversized data is reported as a truncation marker.
func readLines(r io.Reader, stderr bool, lines chan<- streamLine, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- streamLine{text: scanner.Text(), stderr: stderr}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			lines <- streamLine{text: "[output truncated: line exceeded 1MB]", stderr: stderr}
		}
		io.Copy(io.Discard, r)
	}
}
