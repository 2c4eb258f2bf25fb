// Package store provides the SQLite record store for checksync.
//
// The store is the persistence boundary for Change, TaskGroup, and Task
// records. It runs embedded SQLite with WAL mode so the engine can serve
// concurrent readers during writes. All side effects are confined to the
// database; no file I/O happens here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/checksync/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a change or task does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with checksync-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the given path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller must call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close closes the connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS changes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_groups (
		change_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		title TEXT NOT NULL,
		PRIMARY KEY (change_id, ordinal),
		FOREIGN KEY (change_id) REFERENCES changes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		change_id TEXT NOT NULL,
		group_ordinal INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		line INTEGER NOT NULL,
		title TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (change_id, id),
		FOREIGN KEY (change_id) REFERENCES changes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_order
	    ON tasks(change_id, group_ordinal, ordinal);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// PutChange stores a change as a single replace operation.
//
// The change row is upserted and its groups and tasks are replaced
// wholesale inside one transaction, so readers never observe a partially
// merged change.
func (s *Store) PutChange(c *model.Change) error {
	return s.PutChangeContext(context.Background(), c)
}

// PutChangeContext stores a change with context support.
func (s *Store) PutChangeContext(ctx context.Context, c *model.Change) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (id, title, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, c.ID, c.Title, string(c.Status), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert change: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_groups WHERE change_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to clear groups: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE change_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	for _, g := range c.Groups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_groups (change_id, ordinal, title)
			VALUES (?, ?, ?)
		`, c.ID, g.Ordinal, g.Title)
		if err != nil {
			return fmt.Errorf("failed to insert group %d: %w", g.Ordinal, err)
		}

		for _, t := range g.Tasks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, change_id, group_ordinal, ordinal, line, title, completed)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, t.ID, c.ID, g.Ordinal, t.Ordinal, t.Line, t.Title, boolToInt(t.Completed))
			if err != nil {
				return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit change: %w", err)
	}
	return nil
}

// GetChange retrieves a change with all its groups and tasks.
// Returns ErrNotFound if the change does not exist.
func (s *Store) GetChange(changeID string) (*model.Change, error) {
	return s.GetChangeContext(context.Background(), changeID)
}

// GetChangeContext retrieves a change with context support.
func (s *Store) GetChangeContext(ctx context.Context, changeID string) (*model.Change, error) {
	var c model.Change
	var status string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, title, status FROM changes WHERE id = ?
	`, changeID).Scan(&c.ID, &c.Title, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query change %s: %w", changeID, err)
	}
	c.Status = model.Status(status)

	groups, err := s.loadGroups(ctx, changeID)
	if err != nil {
		return nil, err
	}
	c.Groups = groups
	return &c, nil
}

// loadGroups builds the ordered group/task tree for one change.
func (s *Store) loadGroups(ctx context.Context, changeID string) ([]model.TaskGroup, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT ordinal, title FROM task_groups
		WHERE change_id = ? ORDER BY ordinal ASC
	`, changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []model.TaskGroup
	index := make(map[int]int)
	for rows.Next() {
		var g model.TaskGroup
		if err := rows.Scan(&g.Ordinal, &g.Title); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		index[g.Ordinal] = len(groups)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	taskRows, err := s.conn.QueryContext(ctx, `
		SELECT id, group_ordinal, ordinal, line, title, completed FROM tasks
		WHERE change_id = ? ORDER BY group_ordinal ASC, ordinal ASC
	`, changeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var t model.Task
		var groupOrdinal, completed int
		if err := taskRows.Scan(&t.ID, &groupOrdinal, &t.Ordinal, &t.Line, &t.Title, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Completed = completed != 0
		gi, ok := index[groupOrdinal]
		if !ok {
			return nil, fmt.Errorf("task %s references missing group %d", t.ID, groupOrdinal)
		}
		groups[gi].Tasks = append(groups[gi].Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return groups, nil
}

// DeleteChange removes a change and, via cascade, its groups and tasks.
// Returns nil if the change doesn't exist (idempotent).
func (s *Store) DeleteChange(changeID string) error {
	return s.DeleteChangeContext(context.Background(), changeID)
}

// DeleteChangeContext removes a change with context support.
func (s *Store) DeleteChangeContext(ctx context.Context, changeID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM changes WHERE id = ?`, changeID); err != nil {
		return fmt.Errorf("failed to delete change %s: %w", changeID, err)
	}
	return nil
}

// SetChangeStatus flips a change's lifecycle status.
// Returns ErrNotFound if the change does not exist.
func (s *Store) SetChangeStatus(changeID string, status model.Status) error {
	return s.SetChangeStatusContext(context.Background(), changeID, status)
}

// SetChangeStatusContext flips a change's status with context support.
func (s *Store) SetChangeStatusContext(ctx context.Context, changeID string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE changes SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339), changeID)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", changeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChanges returns change summaries (no groups or tasks), ordered by id.
func (s *Store) ListChanges() ([]model.Change, error) {
	return s.ListChangesContext(context.Background())
}

// ListChangesContext returns change summaries with context support.
func (s *Store) ListChangesContext(ctx context.Context) ([]model.Change, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, status FROM changes ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []model.Change
	for rows.Next() {
		var c model.Change
		var status string
		if err := rows.Scan(&c.ID, &c.Title, &status); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Status = model.Status(status)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, nil
}

// GetTask retrieves one task. Returns ErrNotFound if the change or task
// does not exist.
func (s *Store) GetTask(changeID, taskID string) (*model.Task, error) {
	return s.GetTaskContext(context.Background(), changeID, taskID)
}

// GetTaskContext retrieves one task with context support.
func (s *Store) GetTaskContext(ctx context.Context, changeID, taskID string) (*model.Task, error) {
	var t model.Task
	var completed int
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, ordinal, line, title, completed FROM tasks
		WHERE change_id = ? AND id = ?
	`, changeID, taskID).Scan(&t.ID, &t.Ordinal, &t.Line, &t.Title, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", taskID, err)
	}
	t.Completed = completed != 0
	return &t, nil
}

// SetTaskCompletion sets the completion flag of one task and returns the
// updated task. Returns ErrNotFound if the task does not exist.
func (s *Store) SetTaskCompletion(changeID, taskID string, completed bool) (*model.Task, error) {
	return s.SetTaskCompletionContext(context.Background(), changeID, taskID, completed)
}

// SetTaskCompletionContext sets a task's completion flag with context support.
func (s *Store) SetTaskCompletionContext(ctx context.Context, changeID, taskID string, completed bool) (*model.Task, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks SET completed = ? WHERE change_id = ? AND id = ?
	`, boolToInt(completed), changeID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTaskContext(ctx, changeID, taskID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
