// Package config loads and persists engine configuration.
package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// CommandConfig holds the CLI invocation settings for spawned tasks.
type CommandConfig struct {
	Binary    string   `json:"binary"`
	Model     string   `json:"model,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// Config is the top-level engine configuration.
type Config struct {
	DBPath       string        `json:"db_path"`
	OutputDir    string        `json:"output_dir"`
	PIDFile      string        `json:"pid_file"`
	MaxWorkers   int           `json:"max_workers"`
	PollInterval float64       `json:"poll_interval"` // seconds
	Command      CommandConfig `json:"command"`
}

// PollDuration returns the poll interval as a duration.
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval * float64(time.Second))
}

// DefaultConfig returns the built-in configuration, with data under the
// XDG base directories.
func DefaultConfig() *Config {
	dataDir := filepath.Join(xdg.DataHome, "dispatchd")
	return &Config{
		DBPath:       filepath.Join(dataDir, "tasks.db"),
		OutputDir:    filepath.Join(dataDir, "outputs"),
		PIDFile:      filepath.Join(xdg.RuntimeDir, "dispatchd.pid"),
		MaxWorkers:   3,
		PollInterval: 1.0,
		Command: CommandConfig{
			Binary: "claude",
		},
	}
}
