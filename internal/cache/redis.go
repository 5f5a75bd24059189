package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
)

// ErrEmpty is returned by Pop on an empty queue, and by PopWait when the
// queue stayed empty for the whole wait.
var ErrEmpty = errors.New("cache: queue empty")

type Redis struct {
	client *redis.Client
}

func NewRedis(cfg config.Redis, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Verify connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", cfg.Addr()))
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Set stores a key-value pair with expiration
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value by key; a missing key returns "" and no error
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

// Incr increments a key's value
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// Expire sets expiration on a key
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return r.client.Expire(ctx, key, expiration).Err()
}

// TryLock sets key to token only if it is absent. It reports whether the lock
// was taken.
func (r *Redis) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, token, ttl).Result()
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Unlock releases key if it still holds token.
func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, r.client, []string{key}, token).Err()
}

// Push appends a value to the tail of a list queue
func (r *Redis) Push(ctx context.Context, queue string, value string) error {
	return r.client.LPush(ctx, queue, value).Err()
}

// PopWait blocks up to wait for a value from the head of a list queue.
func (r *Redis) PopWait(ctx context.Context, queue string, wait time.Duration) (string, error) {
	result, err := r.client.BRPop(ctx, wait, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	// BRPOP replies with [queue, value].
	return result[1], nil
}

// Pop removes the value at the head of a list queue without waiting.
func (r *Redis) Pop(ctx context.Context, queue string) (string, error) {
	value, err := r.client.RPop(ctx, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	return value, err
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx).Result()
	return err
}
