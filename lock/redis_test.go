package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb), mr
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLock(t)

	token, ok, err := l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Second acquire is contention, not an error.
	_, ok2, err := l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok2)

	// Other services are independent.
	_, ok3, err := l.Acquire(ctx, "recharge_voz", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok3)
}

func TestRedisLock_ReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLock(t)

	token, ok, err := l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A wrong token must not steal the release.
	released, err := l.Release(ctx, "recharge_gps", "not-the-owner")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, "recharge_gps", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Key is free again.
	_, ok, err = l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_TTLAutoRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	_, ok, err := l.Acquire(ctx, "recharge_gps", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Holder dies; TTL elapses.
	mr.FastForward(31 * time.Second)

	_, ok, err = l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExtendKeepsOwnership(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	token, ok, err := l.Acquire(ctx, "recharge_gps", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := l.Extend(ctx, "recharge_gps", token, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	mr.FastForward(time.Minute)
	_, ok, err = l.Acquire(ctx, "recharge_gps", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock should still be held")

	// Extend with a stale token must fail.
	extended, err = l.Extend(ctx, "recharge_gps", "stale", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestRedisLock_ReleaseAfterExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	token, _, err := l.Acquire(ctx, "recharge_gps", 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)

	released, err := l.Release(ctx, "recharge_gps", token)
	require.NoError(t, err)
	assert.False(t, released)
}
