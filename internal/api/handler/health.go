package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/relaize/internal/api/response"
)

// Pinger is anything whose connectivity can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports the number of waiting queue entries.
type QueueDepth interface {
	Len(ctx context.Context) (int64, error)
}

// Health checks store and cache connectivity and reports the queue depth.
// Any failing dependency turns the response into a 503.
func Health(st, c Pinger, q QueueDepth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store": "ok",
			"cache": "ok",
			"queue": "ok",
		}
		if err := st.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		depth, err := q.Len(r.Context())
		if err != nil {
			checks["queue"] = "degraded"
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":      "ok",
			"services":    checks,
			"queue_depth": depth,
		})
	}
}
