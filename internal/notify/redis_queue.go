package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeet-patel/recurring-donations-backend/internal/cache"
)

// RedisQueue is a Dispatcher and Source backed by a Redis list, so tasks
// survive restarts and can be consumed by any worker process.
type RedisQueue struct {
	redis *cache.Redis
	name  string
	wait  time.Duration
}

func NewRedisQueue(redis *cache.Redis, name string) *RedisQueue {
	return &RedisQueue{redis: redis, name: name, wait: time.Second}
}

func (q *RedisQueue) Dispatch(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := q.redis.Push(ctx, q.name, string(body)); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		raw, err := q.redis.PopWait(ctx, q.name, q.wait)
		if errors.Is(err, cache.ErrEmpty) {
			continue
		}
		if err != nil {
			return Task{}, fmt.Errorf("failed to dequeue notification: %w", err)
		}
		return decodeTask(raw)
	}
}

func (q *RedisQueue) TryNext(ctx context.Context) (Task, bool, error) {
	raw, err := q.redis.Pop(ctx, q.name)
	if errors.Is(err, cache.ErrEmpty) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("failed to dequeue notification: %w", err)
	}
	task, err := decodeTask(raw)
	return task, err == nil, err
}

func decodeTask(raw string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	return task, nil
}
