package cache

import (
	"fmt"
	"time"
)

// ReportKey is versioned by the task's update time so any task mutation
// makes the cached report unreachable.
func ReportKey(taskID string, updatedAt time.Time) string {
	return fmt.Sprintf("report:%s:%d", taskID, updatedAt.UnixNano())
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
