package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/task"
)

const taskColumns = `id, description, allowed_tools, allowed_directories, needs_git,
	system_prompt, estimated_tokens, timeout_seconds, status, created_at, updated_at,
	started_at, completed_at, process_id, result_path, error_message, token_usage, execution_time`

// Create inserts a new task with status staged. Returns ErrAlreadyExists
// if the id collides. The passed task's lifecycle fields are normalized
// in place.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check for existing task: %w", err)
	}

	now := time.Now().UTC()
	t.Status = task.StatusStaged
	t.CreatedAt = now
	t.UpdatedAt = now

	tools, err := encodeList(t.AllowedTools)
	if err != nil {
		return err
	}
	dirs, err := encodeList(t.AllowedDirectories)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, description, allowed_tools, allowed_directories, needs_git,
			system_prompt, estimated_tokens, timeout_seconds, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Description, tools, dirs, t.NeedsGit,
		t.SystemPrompt, t.EstimatedTokens, t.TimeoutSeconds, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a task by id. Returns ErrNotFound on a miss.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// List returns all tasks, newest-created-first. A non-empty filter
// restricts the result to tasks with that status.
func (s *Store) List(ctx context.Context, filter task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter != "" {
		query += ` WHERE status = ?`
		args = append(args, filter)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateStatus sets a task's status and updated_at, stamps started_at on
// first entry to running and completed_at on first entry to a terminal
// state, and merges any fields present in upd. Terminal statuses are
// final: an update against a completed, failed, or cancelled task is a
// no-op. Returns false if the task id is unknown or already terminal;
// routine races on the hot path are not errors.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status task.Status, upd *task.StatusUpdate) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}

	if status == task.StatusRunning {
		// Set exactly once, on first entry to running.
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if status.Terminal() {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, now)
	}

	if upd != nil {
		if upd.ResultPath != nil {
			sets = append(sets, "result_path = ?")
			args = append(args, *upd.ResultPath)
		}
		if upd.ErrorMessage != nil {
			sets = append(sets, "error_message = ?")
			args = append(args, *upd.ErrorMessage)
		}
		if upd.TokenUsage != nil {
			sets = append(sets, "token_usage = ?")
			args = append(args, *upd.TokenUsage)
		}
		if upd.ExecutionTime != nil {
			sets = append(sets, "execution_time = ?")
			args = append(args, *upd.ExecutionTime)
		}
		if upd.ProcessID != nil {
			sets = append(sets, "process_id = ?")
			args = append(args, *upd.ProcessID)
		}
	}

	// process_id is only meaningful while the task owns a live process.
	if status != task.StatusRunning && status != task.StatusPaused {
		sets = append(sets, "process_id = NULL")
	}

	args = append(args, taskID, task.StatusCompleted, task.StatusFailed, task.StatusCancelled)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status NOT IN (?, ?, ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// UpdatePlan updates intent fields. Succeeds only while the task is
// staged; returns false otherwise with no partial writes.
func (s *Store) UpdatePlan(ctx context.Context, taskID string, plan task.PlanUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if plan.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *plan.Description)
	}
	if plan.AllowedTools != nil {
		tools, err := encodeList(*plan.AllowedTools)
		if err != nil {
			return false, err
		}
		sets = append(sets, "allowed_tools = ?")
		args = append(args, tools)
	}
	if plan.AllowedDirectories != nil {
		dirs, err := encodeList(*plan.AllowedDirectories)
		if err != nil {
			return false, err
		}
		sets = append(sets, "allowed_directories = ?")
		args = append(args, dirs)
	}
	if plan.NeedsGit != nil {
		sets = append(sets, "needs_git = ?")
		args = append(args, *plan.NeedsGit)
	}
	if plan.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *plan.SystemPrompt)
	}
	if plan.EstimatedTokens != nil {
		sets = append(sets, "estimated_tokens = ?")
		args = append(args, *plan.EstimatedTokens)
	}
	if plan.TimeoutSeconds != nil {
		sets = append(sets, "timeout_seconds = ?")
		args = append(args, *plan.TimeoutSeconds)
	}

	args = append(args, taskID, task.StatusStaged)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// AcquireForExecution atomically claims the oldest committed task:
// within one serializable transaction it transitions the task to running,
// stamps started_at, and returns it. Returns (nil, nil) when no committed
// task exists. A compare-and-swap status guard on the update ensures that
// under concurrent callers at most one of them claims any given task.
func (s *Store) AcquireForExecution(ctx context.Context) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, task.StatusCommitted)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate task: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = ?
	`, task.StatusRunning, now, now, t.ID, task.StatusCommitted)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Lost the candidate to a concurrent acquirer.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit acquisition: %w", err)
	}

	t.Status = task.StatusRunning
	t.UpdatedAt = now
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return t, nil
}

// CountRunning returns the number of tasks currently in status running.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, task.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

// Delete removes a task and its logs together. Returns false if the
// task id is unknown.
func (s *Store) Delete(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, taskID); err != nil {
		return false, fmt.Errorf("failed to delete task logs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	t := &task.Task{}
	var (
		tools, dirs          sql.NullString
		startedAt, completed sql.NullTime
		processID            sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.Description, &tools, &dirs, &t.NeedsGit,
		&t.SystemPrompt, &t.EstimatedTokens, &t.TimeoutSeconds, &t.Status,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completed, &processID,
		&t.ResultPath, &t.ErrorMessage, &t.TokenUsage, &t.ExecutionTime)
	if err != nil {
		return nil, err
	}

	t.AllowedTools, err = decodeList(tools)
	if err != nil {
		return nil, fmt.Errorf("failed to decode allowed_tools: %w", err)
	}
	t.AllowedDirectories, err = decodeList(dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode allowed_directories: %w", err)
	}

	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	if processID.Valid {
		v := int(processID.Int64)
		t.ProcessID = &v
	}
	return t, nil
}

// encodeList stores a string list as JSON text. A nil slice maps to NULL
// so "not yet planned" survives a round trip distinct from "planned with
// zero items".
func encodeList(list []string) (any, error) {
	if list == nil {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(col sql.NullString) ([]string, error) {
	if !col.Valid {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}
