// Package cmd wires the dispatchd command tree. Commands are thin
// wrappers; all engine semantics live in the internal packages.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/notify"
	"github.com/dispatchd/dispatchd/internal/runner"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/task"
	"github.com/dispatchd/dispatchd/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Task orchestration engine",
	Long: `Dispatchd queues approved tasks and executes them by spawning one
external process per task, with bounded concurrency, timeout
enforcement, and pause/resume/kill control.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/dispatchd/config.json)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load("", configPath)
	}
	return config.LoadDefault()
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return st, nil
}

// newRunner assembles the runner with its default collaborators: the
// claude command builder, an fsnotify tracker scoped to each task's
// allowed directories, and a resilient bus-backed notifier.
func newRunner(cfg *config.Config, st *store.Store, bus *notify.Bus) *runner.Runner {
	builder := command.NewBuilder(command.Config{
		Binary:    cfg.Command.Binary,
		Model:     cfg.Command.Model,
		ExtraArgs: cfg.Command.ExtraArgs,
	})

	newTracker := func(t *task.Task) runner.FileTracker {
		if len(t.AllowedDirectories) == 0 {
			return tracker.Nop{}
		}
		return tracker.New(t.AllowedDirectories)
	}

	var notifier runner.Notifier
	if bus != nil {
		notifier = notify.NewResilient(notify.NewBusNotifier(bus), notify.DefaultRetryConfig())
	}

	return runner.New(st, builder, newTracker, notifier, runner.Config{
		OutputDir: cfg.OutputDir,
	})
}
