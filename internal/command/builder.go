// Package command builds the executable command string for a task.
package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dispatchd/dispatchd/internal/task"
)

// Config holds the CLI invocation settings shared by all tasks.
type Config struct {
	Binary    string   // CLI binary name, default "claude"
	Model     string   // optional model override
	ExtraArgs []string // appended to every invocation
}

// Builder assembles a claude CLI invocation from a task's intent fields.
// It validates directory arguments before anything is spawned; an unsafe
// directory fails the build.
type Builder struct {
	cfg Config
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Builder{cfg: cfg}
}

// Build returns the full shell command string for the task.
func (b *Builder) Build(t *task.Task) (string, error) {
	if strings.TrimSpace(t.Description) == "" {
		return "", fmt.Errorf("task %s has no description", t.ID)
	}
	for _, dir := range t.AllowedDirectories {
		if err := validateDirectory(dir); err != nil {
			return "", err
		}
	}

	args := []string{
		b.cfg.Binary,
		"-p", shellQuote(t.Description),
		"--output-format", "stream-json",
		"--verbose",
	}

	if len(t.AllowedTools) > 0 {
		args = append(args, "--allowedTools", shellQuote(strings.Join(t.AllowedTools, ",")))
	}
	for _, dir := range t.AllowedDirectories {
		args = append(args, "--add-dir", shellQuote(dir))
	}
	if t.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", shellQuote(t.SystemPrompt))
	}
	if b.cfg.Model != "" {
		args = append(args, "--model", shellQuote(b.cfg.Model))
	}
	for _, extra := range b.cfg.ExtraArgs {
		args = append(args, shellQuote(extra))
	}

	return strings.Join(args, " "), nil
}

// validateDirectory rejects paths that could widen the sandbox: relative
// paths, parent traversal, and the filesystem root.
func validateDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("unsafe directory: empty path")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("unsafe directory %q: must be absolute", dir)
	}
	if dir != filepath.Clean(dir) || strings.Contains(dir, "..") {
		return fmt.Errorf("unsafe directory %q: contains traversal", dir)
	}
	if filepath.Clean(dir) == string(filepath.Separator) {
		return fmt.Errorf("unsafe directory %q: filesystem root", dir)
	}
	return nil
}

// shellQuote single-quotes s for /bin/sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
