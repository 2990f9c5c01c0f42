package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. The full
// record lives in a jsonb column; the scalar columns exist for filtering
// and ordering.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t models.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	filter = filter.normalize()
	query := `SELECT data FROM tasks`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC OFFSET $%d LIMIT $%d", argIdx, argIdx+1)
	args = append(args, filter.Offset, filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.Task, 0, filter.Limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t models.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, filename, status, created_at, updated_at, processed_at, parent_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		 ON CONFLICT (id) DO UPDATE SET
		   filename = EXCLUDED.filename,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at,
		   processed_at = EXCLUDED.processed_at,
		   parent_id = EXCLUDED.parent_id,
		   data = EXCLUDED.data`,
		task.ID, task.Filename, string(task.Status), task.CreatedAt, task.UpdatedAt, task.ProcessedAt, task.ParentID, raw)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAllTasks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ Store = (*PostgresStore)(nil)
