package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client), mr
}

func TestGetMissingKey(t *testing.T) {
	r, _ := newTestRedis(t)

	value, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "", value)
}

func TestSetGetExpire(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	value, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	mr.FastForward(2 * time.Minute)
	value, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", value)
}

func TestLockIsExclusiveAndOwned(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.TryLock(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong owner leaves the lock in place.
	require.NoError(t, r.Unlock(ctx, "lock", "b"))
	ok, err = r.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Unlock(ctx, "lock", "a"))
	ok, err = r.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueIsFIFO(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Push(ctx, "q", "first"))
	require.NoError(t, r.Push(ctx, "q", "second"))

	v, err := r.PopWait(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = r.PopWait(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestPopDoesNotWait(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := r.Pop(ctx, "q")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, r.Push(ctx, "q", "only"))
	v, err := r.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "only", v)
}
