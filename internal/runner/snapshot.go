package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotFile mirrors the persisted task-result file, rewritten in full
// on every new output line and once more on final completion.
type snapshotFile struct {
	TaskID        string   `json:"task_id"`
	Command       string   `json:"command"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	ReturnCode    *int     `json:"returncode"`
	ExecutionTime *float64 `json:"execution_time"`
	Status        string   `json:"status"` // "running" or "completed"
}

// snapshot writes a task's result file at {outputDir}/{taskID}_output.json.
type snapshot struct {
	path    string
	taskID  string
	command string
}

func newSnapshot(outputDir, taskID, command string) (*snapshot, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &snapshot{
		path:    filepath.Join(outputDir, taskID+"_output.json"),
		taskID:  taskID,
		command: command,
	}, nil
}

// write overwrites the result file with the current accumulated state.
func (s *snapshot) write(stdout, stderr string, returnCode *int, executionTime *float64, status string) error {
	data, err := json.MarshalIndent(snapshotFile{
		TaskID:        s.taskID,
		Command:       s.command,
		Stdout:        stdout,
		Stderr:        stderr,
		ReturnCode:    returnCode,
		ExecutionTime: executionTime,
		Status:        status,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
