package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global
// config, defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/dispatchd/config.json
// Project: .dispatchd/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "dispatchd", "config.json")
	projectPath := filepath.Join(".dispatchd", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges its set fields
// into the base config. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.OutputDir != "" {
		base.OutputDir = loaded.OutputDir
	}
	if loaded.PIDFile != "" {
		base.PIDFile = loaded.PIDFile
	}
	if loaded.MaxWorkers > 0 {
		base.MaxWorkers = loaded.MaxWorkers
	}
	if loaded.PollInterval > 0 {
		base.PollInterval = loaded.PollInterval
	}
	if loaded.Command.Binary != "" {
		base.Command.Binary = loaded.Command.Binary
	}
	if loaded.Command.Model != "" {
		base.Command.Model = loaded.Command.Model
	}
	if loaded.Command.ExtraArgs != nil {
		base.Command.ExtraArgs = loaded.Command.ExtraArgs
	}

	return nil
}
