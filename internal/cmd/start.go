package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/notify"
	"github.com/dispatchd/dispatchd/internal/scheduler"
)

var (
	startMaxWorkers   int
	startPollInterval float64
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler daemon in the foreground",
	Long: `Start polls the task store for committed tasks and executes them on a
bounded worker pool. Only one scheduler runs per host; a second start
fails while the first is alive.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startMaxWorkers, "max-workers", 0, "maximum concurrent tasks (default from config)")
	startCmd.Flags().Float64Var(&startPollInterval, "poll-interval", 0, "seconds between store polls (default from config)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if startMaxWorkers > 0 {
		cfg.MaxWorkers = startMaxWorkers
	}
	if startPollInterval > 0 {
		cfg.PollInterval = startPollInterval
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := notify.NewBus()
	defer bus.Close()

	events := bus.Subscribe(0)
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case notify.TaskCompletedEvent:
				log.Printf("task %s completed in %.2fs (%d tokens, %d file changes)",
					e.ID, e.ExecutionTime, e.TokenUsage, len(e.FileChanges))
			case notify.TaskFailedEvent:
				log.Printf("task %s failed after %.2fs: %s", e.ID, e.ExecutionTime, e.ErrorMessage)
			}
		}
	}()

	r := newRunner(cfg, st, bus)
	sched := scheduler.New(scheduler.Config{
		MaxWorkers:   cfg.MaxWorkers,
		PollInterval: cfg.PollDuration(),
		PIDFile:      cfg.PIDFile,
	}, st, r)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	// The scheduler's own signal handlers drive shutdown; block until
	// it has fully stopped.
	<-sched.Done()
	return nil
}
