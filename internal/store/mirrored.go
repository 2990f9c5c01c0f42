package store

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/relaize/pkg/models"
)

// MirroredStore serves reads from the primary and copies every write to a
// secondary. Secondary failures are logged, never returned, so the primary
// stays authoritative.
type MirroredStore struct {
	primary   Store
	secondary Store
}

func NewMirroredStore(primary, secondary Store) *MirroredStore {
	return &MirroredStore{primary: primary, secondary: secondary}
}

func (s *MirroredStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	if err := s.secondary.Ping(ctx); err != nil {
		slog.Warn("mirror store unreachable", "error", err)
	}
	return nil
}

func (s *MirroredStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.primary.GetTask(ctx, id)
}

func (s *MirroredStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	return s.primary.ListTasks(ctx, filter)
}

func (s *MirroredStore) SaveTask(ctx context.Context, task *models.Task) error {
	if err := s.primary.SaveTask(ctx, task); err != nil {
		return err
	}
	if err := s.secondary.SaveTask(ctx, task); err != nil {
		slog.Error("failed to mirror task", "task_id", task.ID, "error", err)
	}
	return nil
}

func (s *MirroredStore) DeleteAllTasks(ctx context.Context) (int, error) {
	n, err := s.primary.DeleteAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.secondary.DeleteAllTasks(ctx); err != nil {
		slog.Error("failed to clear mirror store", "error", err)
	}
	return n, nil
}

var _ Store = (*MirroredStore)(nil)
