package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"taskboard/domain"
)

// SQLite is a single-file record store for local runs and tests.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_modified INTEGER NOT NULL,
			revision INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_title ON tasks(title)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS action_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_title TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_ts ON action_logs(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, title, description, status, priority, assigned_to, created_at, last_modified, revision`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                 domain.Task
		status, priority  string
		created, modified int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.AssignedTo, &created, &modified, &t.Revision); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.CreatedAt = fromNanos(created)
	t.LastModified = fromNanos(modified)
	return t, nil
}

func (s *SQLite) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.queryTask(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

func (s *SQLite) FindTaskByTitle(ctx context.Context, title string) (*domain.Task, error) {
	return s.queryTask(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE title = ? LIMIT 1`, title)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) queryTask(ctx context.Context, q querier, query string, args ...any) (*domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *SQLite) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := domain.NextModified(time.Time{}, s.now())
	t.CreatedAt = now
	t.LastModified = now
	t.Revision = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.AssignedTo,
		nanos(t.CreatedAt), nanos(t.LastModified), t.Revision)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// UpdateTask replaces the task if its stored revision still equals revision.
func (s *SQLite) UpdateTask(ctx context.Context, t domain.Task, revision int64) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.queryTask(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if cur == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	if cur.Revision != revision {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}

	t.CreatedAt = cur.CreatedAt
	t.LastModified = domain.NextModified(cur.LastModified, s.now())
	t.Revision = cur.Revision + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, assigned_to = ?,
			last_modified = ?, revision = ? WHERE id = ? AND revision = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), t.AssignedTo,
		nanos(t.LastModified), t.Revision, t.ID, revision)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	} else if n == 0 {
		return domain.Task{}, domain.ErrConcurrencyConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.queryTask(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return domain.Task{}, err
	}
	if cur == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return domain.Task{}, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit: %w", err)
	}
	return *cur, nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLite) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// InsertUser creates the user or renames an existing one.
func (s *SQLite) InsertUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		u.ID, u.Name)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLite) AppendLog(ctx context.Context, e domain.ActionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs (id, user_id, task_id, task_title, action, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.TaskID, e.TaskTitle, string(e.Action), nanos(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *SQLite) ListLogs(ctx context.Context) ([]domain.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, task_id, task_title, action, ts FROM action_logs ORDER BY ts DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	logs := []domain.ActionLog{}
	for rows.Next() {
		var (
			e      domain.ActionLog
			action string
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.TaskTitle, &action, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Action = domain.Action(action)
		e.Timestamp = fromNanos(ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
