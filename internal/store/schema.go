package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		allowed_tools TEXT,
		allowed_directories TEXT,
		needs_git INTEGER NOT NULL DEFAULT 0,
		system_prompt TEXT NOT NULL DEFAULT '',
		estimated_tokens INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		process_id INTEGER,
		result_path TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		token_usage INTEGER NOT NULL DEFAULT 0,
		execution_time REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);

	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
