package store

import (
	"context"
	"fmt"
)

// schema is valid for both the sqlite and postgres dialects. Timestamps are
// fixed-width UTC text so that comparisons and ORDER BY work lexically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		type                  TEXT NOT NULL,
		args                  TEXT NOT NULL DEFAULT '{}',
		run_frequency_seconds INTEGER NOT NULL CHECK (run_frequency_seconds > 0),
		schedule_latest       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task_runs (
		id                TEXT PRIMARY KEY,
		task_id           TEXT NOT NULL REFERENCES tasks(id),
		state             TEXT NOT NULL CHECK (state IN ('queued','running','success','failed')),
		run_ds            TEXT NOT NULL,
		interval_start_ds TEXT NOT NULL,
		interval_end_ds   TEXT NOT NULL,
		start_time        TEXT,
		end_time          TEXT,
		error             TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_task_ds ON task_runs(task_id, run_ds)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_state ON task_runs(state, created_at)`,

	`CREATE TABLE IF NOT EXISTS heartbeats (
		id                   TEXT PRIMARY KEY,
		task_run_id          TEXT REFERENCES task_runs(id),
		task_type            TEXT NOT NULL,
		heartbeat_start_time TEXT NOT NULL,
		last_heartbeat_time  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_run ON heartbeats(task_run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_last ON heartbeats(last_heartbeat_time)`,
}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
