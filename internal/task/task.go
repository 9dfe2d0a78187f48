// Package task defines the unit of schedulable work and its lifecycle.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusStaged    Status = "staged"    // Created, awaiting approval; intent fields still mutable
	StatusCommitted Status = "committed" // Approved, eligible for acquisition by the scheduler
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid returns true if s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusStaged, StatusCommitted, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a task never leaves.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is the unit of schedulable work.
//
// Intent fields are set at creation and mutable only while the task is
// staged. Lifecycle fields are mutated only by the store and the runner.
// A nil AllowedTools/AllowedDirectories slice means "not yet planned";
// an empty slice means "planned with zero items" -- the distinction
// round-trips through the store.
type Task struct {
	ID string

	// Intent
	Description        string
	AllowedTools       []string
	AllowedDirectories []string
	NeedsGit           bool
	SystemPrompt       string
	EstimatedTokens    int
	TimeoutSeconds     int

	// Lifecycle
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ProcessID     *int
	ResultPath    string
	ErrorMessage  string
	TokenUsage    int
	ExecutionTime float64
}

// StatusUpdate carries the optional fields a status transition may merge
// into a task. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	ResultPath    *string
	ErrorMessage  *string
	TokenUsage    *int
	ExecutionTime *float64
	ProcessID     *int
}

// PlanUpdate carries intent-field changes for a staged task.
// Nil pointers leave the stored value untouched.
type PlanUpdate struct {
	Description        *string
	AllowedTools       *[]string
	AllowedDirectories *[]string
	NeedsGit           *bool
	SystemPrompt       *string
	EstimatedTokens    *int
	TimeoutSeconds     *int
}

// LogEntry is one line of a task's append-only diagnostic trail.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// Log levels for LogEntry.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)
