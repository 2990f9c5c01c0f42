package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) PushShutdown(context.Context) error {
	q.mu.Lock()
	q.items = append([]string{Shutdown}, q.items...)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) DrainShutdown(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, id := range q.items {
		if id != Shutdown {
			kept = append(kept, id)
		}
	}
	n := int64(len(q.items) - len(kept))
	q.items = kept
	return n, nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return id, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Snapshot returns the queued ids in order.
func (q *MemoryQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
