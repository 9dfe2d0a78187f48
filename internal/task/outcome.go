package task

// Usage accumulates token counts reported by the spawned process.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined input and output token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCall records one tool_use event emitted by the spawned process.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// FileChange describes one filesystem side effect observed during a run.
type FileChange struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"` // "created", "modified", or "deleted"
	Size       int64  `json:"size,omitempty"`
}

// Outcome is the transient result of one task execution. It is the sole
// channel through which the process runner reports results; it is never
// persisted as-is.
type Outcome struct {
	Success       bool
	Stdout        string
	Stderr        string
	ReturnCode    int
	Content       string
	Usage         Usage
	ToolCalls     []ToolCall
	ExecutionTime float64
	FileChanges   []FileChange
	Err           error
}
