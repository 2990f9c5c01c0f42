// Package queue is the durable FIFO of task ids drained by the worker.
package queue

import (
	"context"
	"time"
)

const (
	// Key is the Redis list holding queued task ids.
	Key = "tasks:queue"

	// Shutdown is pushed at the head of the queue to stop the worker.
	Shutdown = "__shutdown__"
)

// Queue is a FIFO of task ids. Delivery is at most once: a popped id is
// gone from the queue whether or not processing succeeds.
type Queue interface {
	Push(ctx context.Context, id string) error
	// Pop blocks up to timeout for the next id. ok is false when the wait
	// timed out with nothing queued.
	Pop(ctx context.Context, timeout time.Duration) (id string, ok bool, err error)
	// PushShutdown puts the shutdown sentinel ahead of every queued id.
	PushShutdown(ctx context.Context) error
	// DrainShutdown removes every shutdown sentinel left in the queue and
	// reports how many were removed.
	DrainShutdown(ctx context.Context) (int64, error)
	Len(ctx context.Context) (int64, error)
}
