package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/task"
)

var (
	addID              string
	addTools           []string
	addDirs            []string
	addNeedsGit        bool
	addSystemPrompt    string
	addEstimatedTokens int
	addTimeout         int

	listStatus string
)

var addCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Create a staged task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var commitCmd = &cobra.Command{
	Use:   "commit <task-id>",
	Short: "Approve a staged task for execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runList,
}

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show a task's diagnostic trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Remove a task and its logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "task id (generated if omitted)")
	addCmd.Flags().StringSliceVar(&addTools, "tools", nil, "allowed tools")
	addCmd.Flags().StringSliceVar(&addDirs, "dirs", nil, "allowed directories")
	addCmd.Flags().BoolVar(&addNeedsGit, "needs-git", false, "task needs a git checkout")
	addCmd.Flags().StringVar(&addSystemPrompt, "system-prompt", "", "system prompt for the task")
	addCmd.Flags().IntVar(&addEstimatedTokens, "estimated-tokens", 0, "estimated token budget")
	addCmd.Flags().IntVar(&addTimeout, "timeout", 0, "timeout in seconds (0 disables)")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	rootCmd.AddCommand(addCmd, commitCmd, listCmd, logsCmd, deleteCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
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

	id := addID
	if id == "" {
		id = uuid.NewString()
	}

	t := &task.Task{
		ID:                 id,
		Description:        strings.Join(args, " "),
		AllowedTools:       addTools,
		AllowedDirectories: addDirs,
		NeedsGit:           addNeedsGit,
		SystemPrompt:       addSystemPrompt,
		EstimatedTokens:    addEstimatedTokens,
		TimeoutSeconds:     addTimeout,
	}
	if err := st.Create(ctx, t); err != nil {
		return err
	}

	fmt.Printf("Staged task %s\n", id)
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
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

	t, err := st.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if t.Status != task.StatusStaged {
		return fmt.Errorf("task %s is %q, only staged tasks can be committed", t.ID, t.Status)
	}

	if _, err := st.UpdateStatus(ctx, t.ID, task.StatusCommitted, nil); err != nil {
		return err
	}
	fmt.Printf("Committed task %s\n", t.ID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
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

	filter := task.Status(listStatus)
	if filter != "" && !filter.Valid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}

	tasks, err := st.List(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.CreatedAt.Local().Format("2006-01-02 15:04:05"), desc)
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	entries, err := st.GetLogs(ctx, args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Level, e.Message)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
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

	deleted, err := st.Delete(ctx, args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("task not found: %s", args[0])
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}
