package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, Key, id).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	return res[1], true, nil
}

func (q *RedisQueue) PushShutdown(ctx context.Context) error {
	if err := q.client.LPush(ctx, Key, Shutdown).Err(); err != nil {
		return fmt.Errorf("push shutdown: %w", err)
	}
	return nil
}

func (q *RedisQueue) DrainShutdown(ctx context.Context) (int64, error) {
	n, err := q.client.LRem(ctx, Key, 0, Shutdown).Result()
	if err != nil {
		return 0, fmt.Errorf("drain shutdown: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, Key).Result()
}

var _ Queue = (*RedisQueue)(nil)
