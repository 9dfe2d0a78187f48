package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// pidFile is the cross-process singleton token, one per host.
type pidFile struct {
	PID          int     `json:"pid"`
	MaxWorkers   int     `json:"max_workers"`
	PollInterval float64 `json:"poll_interval"` // seconds
	StartedAt    int64   `json:"started_at"`    // epoch seconds
}

// readPIDFile returns the parsed PID file, or nil if none exists.
func readPIDFile(path string) (*pidFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pid file: %w", err)
	}

	var pf pidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pid file %s: %w", path, err)
	}
	return &pf, nil
}

// writePIDFile records this process as the host's scheduler.
//
// The caller probes for a live owner before writing; there is a known
// race window between that probe and this write where two processes can
// both proceed. The file is a best-effort mutual-exclusion token, not a
// lock.
func writePIDFile(path string, pf pidFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}

	data, err := json.Marshal(pf)
	if err != nil {
		return fmt.Errorf("failed to marshal pid file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// removePIDFile deletes the PID file. A missing file is not an error.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}
