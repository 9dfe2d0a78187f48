package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/task"
)

// AddLog appends one entry to a task's diagnostic trail. Returns
// ErrNotFound when the task id is unknown.
func (s *Store) AddLog(ctx context.Context, taskID, level, message string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, message, timestamp)
		VALUES (?, ?, ?, ?)
	`, taskID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetLogs returns a task's log entries in insertion order.
func (s *Store) GetLogs(ctx context.Context, taskID string) ([]task.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, message
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var entries []task.LogEntry
	for rows.Next() {
		var e task.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return entries, nil
}
