package store

import (
	"context"
	"slices"
	"sync"

	"github.com/kiranshivaraju/relaize/pkg/models"
)

// MemoryStore keeps tasks in process memory. It backs tests and single
// process development runs.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	filter = filter.normalize()
	s.mu.RLock()
	all := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.matches(t) {
			all = append(all, t.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(all, newestFirst)
	if filter.Offset >= len(all) {
		return []*models.Task{}, nil
	}
	all = all[filter.Offset:]
	if len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) DeleteAllTasks(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	s.tasks = make(map[string]*models.Task)
	return n, nil
}

func (s *MemoryStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tasks)), nil
}

// newestFirst orders by creation time descending, then id descending, which
// matches a reversed Redis sorted-set range.
func newestFirst(a, b *models.Task) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

var _ Store = (*MemoryStore)(nil)
