package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/scheduler"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop the running scheduler",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = scheduler.StopRemote(cfg.PIDFile, 5*time.Second)
	if errors.Is(err, scheduler.ErrNotRunning) {
		fmt.Println("Scheduler is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("Scheduler stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := scheduler.StatusFromPIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}

	if !st.Running {
		fmt.Println("Scheduler: not running")
		return nil
	}

	fmt.Printf("Scheduler: running (pid %d)\n", st.PID)
	fmt.Printf("Max workers: %d\n", st.MaxWorkers)
	fmt.Printf("Poll interval: %s\n", st.PollInterval)
	if st.RunningCount < 0 {
		fmt.Println("In-flight workers: unknown (owned by another process)")
	} else {
		fmt.Printf("In-flight workers: %d (%d available)\n", st.RunningCount, st.AvailableWorkers)
	}

	// The store is shared, so the running-task count is answerable
	// even when the scheduler belongs to another process.
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	running, err := db.CountRunning(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Tasks in status running: %d\n", running)
	return nil
}
