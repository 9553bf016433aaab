// Package lock provides the per-service distributed lock the pipelines
// hold while a tick runs. The backend contract is minimal: atomic
// SETNX-with-TTL plus compare-and-delete, which Redis gives us directly.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops-mx/recargas"
)

const keyPrefix = "recargas:lock:"

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock implements recargas.LockClient on a Redis connection.
type RedisLock struct {
	rdb redis.UniversalClient
}

// NewRedis creates a lock client over an existing Redis connection.
func NewRedis(rdb redis.UniversalClient) *RedisLock {
	return &RedisLock{rdb: rdb}
}

// Acquire takes the key with SET NX PX and a fresh owner token.
// ok=false means another process holds it; that is contention, not an
// error.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the key iff token still owns it. Releasing a lock that
// expired (or was never held) returns false without error, so deferred
// releases are always safe.
func (l *RedisLock) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend refreshes the TTL iff token still owns the key. Used by long
// ticks that approach the TTL safety margin.
func (l *RedisLock) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock: extend %s: %w", key, err)
	}
	return n == 1, nil
}

var _ recargas.LockClient = (*RedisLock)(nil)
