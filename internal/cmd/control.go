package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/runner"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Suspend a running task's process",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRun(func(ctx context.Context, r *runner.Runner, id string) runner.ControlResult {
		return r.Pause(ctx, id)
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Continue a paused task's process",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRun(func(ctx context.Context, r *runner.Runner, id string) runner.ControlResult {
		return r.Resume(ctx, id)
	}),
}

var killCmd = &cobra.Command{
	Use:   "kill <task-id>",
	Short: "Forcefully terminate a running or paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRun(func(ctx context.Context, r *runner.Runner, id string) runner.ControlResult {
		return r.Kill(ctx, id)
	}),
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, killCmd)
}

// controlRun adapts a pause/resume/kill operation into a cobra handler.
// Control operations act on the persisted process id, so they work from
// this process even while the scheduler owns the task elsewhere.
func controlRun(op func(context.Context, *runner.Runner, string) runner.ControlResult) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		res := op(ctx, newRunner(cfg, st, nil), args[0])
		if !res.OK {
			return errors.New(res.Message)
		}
		fmt.Println(res.Message)
		return nil
	}
}
