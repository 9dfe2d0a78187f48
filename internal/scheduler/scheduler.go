// Package scheduler polls the task store for committed tasks and runs
// them on a bounded worker pool, coordinating across OS processes with a
// PID file.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dispatchd/dispatchd/internal/runner"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/task"
)

// Singleton conflicts.
var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// State is the scheduler's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// Config holds scheduler settings.
type Config struct {
	MaxWorkers   int           // default 3
	PollInterval time.Duration // default 1s
	PIDFile      string
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Status describes a scheduler instance, local or discovered through the
// PID file. RunningCount and AvailableWorkers are -1 when the scheduler
// belongs to another process, where in-flight counts are unknown.
type Status struct {
	Running          bool
	PID              int
	MaxWorkers       int
	PollInterval     time.Duration
	RunningCount     int
	AvailableWorkers int
}

// Scheduler keeps up to MaxWorkers tasks in flight, drawn FIFO from the
// task store. Construct one explicitly at the entry point and pass it by
// reference; the PID file exists only for cross-process discovery.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	runner *runner.Runner

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	pollDone chan struct{}
	doneCh   chan struct{}
	sigCh    chan os.Signal
	workers  *errgroup.Group
	inflight atomic.Int32
}

// New creates a Scheduler. It does not start polling; call Start.
func New(cfg Config, st *store.Store, r *runner.Runner) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		runner: r,
	}
}

// Start claims the host's PID file, installs interrupt/terminate
// handlers that invoke Stop, and launches the poll loop. Fails with
// ErrAlreadyRunning if another live scheduler owns the PID file; a stale
// file left by a dead process is replaced.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = Starting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return err
	}

	pf, err := readPIDFile(s.cfg.PIDFile)
	if err != nil {
		// A corrupt token cannot name a live owner; replace it.
		log.Printf("WARNING: %v", err)
	}
	if pf != nil {
		if runner.Probe(pf.PID) != runner.NotFound {
			return fail(fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pf.PID))
		}
		log.Printf("removing stale pid file for dead process %d", pf.PID)
	}
	if pf != nil || err != nil {
		if rerr := removePIDFile(s.cfg.PIDFile); rerr != nil {
			return fail(rerr)
		}
	}

	if err := writePIDFile(s.cfg.PIDFile, pidFile{
		PID:          os.Getpid(),
		MaxWorkers:   s.cfg.MaxWorkers,
		PollInterval: s.cfg.PollInterval.Seconds(),
		StartedAt:    time.Now().Unix(),
	}); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.pollDone = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.sigCh = make(chan os.Signal, 1)
	s.workers = &errgroup.Group{}
	s.workers.SetLimit(s.cfg.MaxWorkers)
	s.inflight.Store(0)
	s.state = Running
	s.mu.Unlock()

	signal.Notify(s.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-s.sigCh:
			log.Printf("received %v, stopping scheduler", sig)
			if err := s.Stop(30 * time.Second); err != nil {
				log.Printf("ERROR: shutdown failed: %v", err)
			}
		case <-s.stopCh:
		}
	}()

	go s.pollLoop(ctx)

	log.Printf("scheduler started: pid %d, %d workers, %s poll interval",
		os.Getpid(), s.cfg.MaxWorkers, s.cfg.PollInterval)
	return nil
}

// pollLoop runs until shutdown is signaled. Every cycle error is logged
// and swallowed; the loop must survive transient storage failures
// indefinitely.
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.pollDone)

	for {
		s.cycle(ctx)

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// cycle acquires at most one committed task and dispatches it, keeping
// the in-flight count at or below MaxWorkers.
func (s *Scheduler) cycle(ctx context.Context) {
	if int(s.inflight.Load()) >= s.cfg.MaxWorkers {
		return
	}

	t, err := s.store.AcquireForExecution(ctx)
	if err != nil {
		log.Printf("WARNING: poll cycle: %v", err)
		return
	}
	if t == nil {
		return
	}

	s.inflight.Add(1)
	started := s.workers.TryGo(func() error {
		defer s.inflight.Add(-1)
		s.runTask(ctx, t)
		return nil
	})
	if !started {
		// Pool saturated despite the capacity check; hand the task
		// back so the next cycle can retry it.
		s.inflight.Add(-1)
		if _, err := s.store.UpdateStatus(ctx, t.ID, task.StatusCommitted, nil); err != nil {
			log.Printf("ERROR: failed to requeue task %s: %v", t.ID, err)
		}
	}
}

// runTask executes one task. A panic or hard execution error is caught
// at this dispatch boundary and recorded as the task's Failed status; it
// never propagates to the poll loop.
func (s *Scheduler) runTask(ctx context.Context, t *task.Task) {
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("worker panic: %v", p)
			log.Printf("ERROR: task %s: %s", t.ID, msg)
			if _, err := s.store.UpdateStatus(ctx, t.ID, task.StatusFailed, &task.StatusUpdate{ErrorMessage: &msg}); err != nil {
				log.Printf("ERROR: failed to mark task %s failed: %v", t.ID, err)
			}
		}
	}()

	if _, err := s.runner.Execute(ctx, t); err != nil {
		// Execute has already recorded the Failed status.
		log.Printf("ERROR: task %s: %v", t.ID, err)
	}
}

// Stop signals the poll loop to exit, waits up to timeout for in-flight
// workers to finish naturally (already-running tasks are not cancelled),
// and removes the PID file. A stop on an already-stopped scheduler is a
// logged no-op.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		log.Printf("scheduler is not running; nothing to stop")
		return nil
	}
	s.state = Stopping
	s.mu.Unlock()

	signal.Stop(s.sigCh)
	close(s.stopCh)
	<-s.pollDone

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		log.Printf("WARNING: timed out waiting for %d in-flight tasks", s.inflight.Load())
	}

	err := removePIDFile(s.cfg.PIDFile)

	s.mu.Lock()
	s.state = Stopped
	close(s.doneCh)
	s.mu.Unlock()

	log.Printf("scheduler stopped")
	return err
}

// Done returns a channel closed when the scheduler has fully stopped.
// Valid after Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

// StatusInfo reports this instance's status, falling back to PID-file
// discovery when no scheduler runs in this process.
func (s *Scheduler) StatusInfo() (Status, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == Running || state == Stopping {
		inflight := int(s.inflight.Load())
		return Status{
			Running:          true,
			PID:              os.Getpid(),
			MaxWorkers:       s.cfg.MaxWorkers,
			PollInterval:     s.cfg.PollInterval,
			RunningCount:     inflight,
			AvailableWorkers: s.cfg.MaxWorkers - inflight,
		}, nil
	}

	return StatusFromPIDFile(s.cfg.PIDFile)
}

// StatusFromPIDFile answers a status query by probing another process's
// PID file. A file naming a dead process is cleaned up and reported as
// not running; a live one is reported with its recorded configuration,
// with in-flight counts unknown.
func StatusFromPIDFile(path string) (Status, error) {
	pf, err := readPIDFile(path)
	if err != nil {
		return Status{}, err
	}
	if pf == nil {
		return Status{}, nil
	}

	if runner.Probe(pf.PID) == runner.NotFound {
		if err := removePIDFile(path); err != nil {
			return Status{}, err
		}
		return Status{}, nil
	}

	return Status{
		Running:          true,
		PID:              pf.PID,
		MaxWorkers:       pf.MaxWorkers,
		PollInterval:     time.Duration(pf.PollInterval * float64(time.Second)),
		RunningCount:     -1,
		AvailableWorkers: -1,
	}, nil
}

// StopRemote gracefully terminates the scheduler recorded in the PID
// file from outside its process. Returns ErrNotRunning if no live
// scheduler is found; if the process ignores the terminate signal past
// the grace period, an explicit error names the PID for manual
// intervention.
func StopRemote(path string, grace time.Duration) error {
	pf, err := readPIDFile(path)
	if err != nil {
		return err
	}
	if pf == nil {
		return ErrNotRunning
	}

	if runner.Probe(pf.PID) == runner.NotFound {
		if err := removePIDFile(path); err != nil {
			return err
		}
		return ErrNotRunning
	}

	if err := syscall.Kill(pf.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pf.PID, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if runner.Probe(pf.PID) == runner.NotFound {
			return removePIDFile(path)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if runner.Probe(pf.PID) != runner.NotFound {
		return fmt.Errorf("scheduler process %d did not stop gracefully; manual intervention required", pf.PID)
	}
	return removePIDFile(path)
}
