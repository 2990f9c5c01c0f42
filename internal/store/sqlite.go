package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/relaize/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore mirrors task records into a single-file database for
// deployments without Postgres. Timestamps are stored as Unix nanoseconds
// so ordering is numeric.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t models.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	filter = filter.normalize()
	query := `SELECT data FROM tasks`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0, filter.Limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t models.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task *models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	var processed sql.NullInt64
	if task.ProcessedAt != nil {
		processed = sql.NullInt64{Int64: task.ProcessedAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, filename, status, created_at, updated_at, processed_at, parent_id, data)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT (id) DO UPDATE SET
		   filename = excluded.filename,
		   status = excluded.status,
		   updated_at = excluded.updated_at,
		   processed_at = excluded.processed_at,
		   parent_id = excluded.parent_id,
		   data = excluded.data`,
		task.ID, task.Filename, string(task.Status), task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
		processed, task.ParentID, string(raw))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllTasks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return int(n), nil
}

var _ Store = (*SQLiteStore)(nil)
