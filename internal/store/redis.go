package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/relaize/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis keys. Each task is a JSON document under KeyTaskPrefix+id, and
// KeyTaskIndex is a sorted set of ids scored by creation time.
const (
	KeyTaskPrefix = "tasks:data:"
	KeyTaskIndex  = "tasks:index"
)

// listChunk is how many index entries are fetched per round trip while
// filtering by status.
const listChunk = 200

// RedisStore is the primary task store.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func taskKey(id string) string { return KeyTaskPrefix + id }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	raw, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *RedisStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	filter = filter.normalize()
	out := make([]*models.Task, 0, filter.Limit)
	skip := filter.Offset

	for start := int64(0); ; start += listChunk {
		ids, err := s.client.ZRevRange(ctx, KeyTaskIndex, start, start+listChunk-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list task index: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = taskKey(id)
		}
		raws, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		for _, raw := range raws {
			str, ok := raw.(string)
			if !ok {
				continue
			}
			var t models.Task
			if err := json.Unmarshal([]byte(str), &t); err != nil {
				continue
			}
			if !filter.matches(&t) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, &t)
			if len(out) == filter.Limit {
				return out, nil
			}
		}
		if len(ids) < listChunk {
			return out, nil
		}
	}
}

// SaveTask writes the record and its index entry in one transaction.
func (s *RedisStore) SaveTask(ctx context.Context, task *models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, taskKey(task.ID), raw, 0)
		p.ZAdd(ctx, KeyTaskIndex, redis.Z{Score: unixSeconds(task), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAllTasks(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, KeyTaskPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan tasks: %w", err)
	}

	keys := make([]string, 0, len(seen)+1)
	for k := range seen {
		keys = append(keys, k)
	}
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return 0, fmt.Errorf("delete tasks: %w", err)
		}
	}
	if err := s.client.Del(ctx, KeyTaskIndex).Err(); err != nil {
		return 0, fmt.Errorf("delete task index: %w", err)
	}
	return len(keys), nil
}

// Count returns the number of indexed tasks.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, KeyTaskIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func unixSeconds(t *models.Task) float64 {
	return float64(t.CreatedAt.UnixNano()) / 1e9
}

var _ Store = (*RedisStore)(nil)
