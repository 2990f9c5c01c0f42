package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/relaize/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store is the task record interface. Records are written whole: SaveTask
// overwrites the stored record, and concurrent writers race last-write-wins.
type Store interface {
	Ping(ctx context.Context) error

	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns tasks newest first. The status filter is applied
	// before offset and limit.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	SaveTask(ctx context.Context, task *models.Task) error
	// DeleteAllTasks removes every record and reports how many were removed.
	DeleteAllTasks(ctx context.Context) (int, error)
}

type TaskFilter struct {
	Status models.TaskStatus
	Offset int
	Limit  int
}

// normalize clamps offset and limit into the accepted range.
func (f TaskFilter) normalize() TaskFilter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f TaskFilter) matches(t *models.Task) bool {
	return f.Status == "" || t.Status == f.Status
}
