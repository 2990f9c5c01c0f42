package store

import (
	"context"
	"fmt"
)

// Copy writes every task in src into dst, newest first. progress, if
// non-nil, is called after each task is written.
func Copy(ctx context.Context, dst, src Store, progress func()) (int, error) {
	copied := 0
	for offset := 0; ; offset += MaxListLimit {
		page, err := src.ListTasks(ctx, TaskFilter{Offset: offset, Limit: MaxListLimit})
		if err != nil {
			return copied, fmt.Errorf("read tasks at offset %d: %w", offset, err)
		}
		for _, t := range page {
			if err := ctx.Err(); err != nil {
				return copied, err
			}
			if err := dst.SaveTask(ctx, t); err != nil {
				return copied, fmt.Errorf("copy task %s: %w", t.ID, err)
			}
			copied++
			if progress != nil {
				progress()
			}
		}
		if len(page) < MaxListLimit {
			return copied, nil
		}
	}
}
