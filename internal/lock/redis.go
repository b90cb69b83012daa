package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when its value matches the caller's
// token. See https://redis.io/docs/latest/develop/use/patterns/distributed-locks/
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// RedisLock implements Service on a shared Redis, which makes the lease
// visible to every process in the fleet.
type RedisLock struct {
	client  *redis.Client
	release *redis.Script
}

// NewRedisLock creates a Redis-backed lock service.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// Acquire implements Service via SET NX EX.
func (l *RedisLock) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, token, ttl).Result()
}

// Get implements Service.
func (l *RedisLock) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Renew implements Service.
func (l *RedisLock) Renew(ctx context.Context, key string, ttl time.Duration) error {
	return l.client.Expire(ctx, key, ttl).Err()
}

// Release implements Service. The compare-and-delete runs as a Lua script
// so the check and the delete cannot interleave with a competing acquire.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	deleted, err := l.release.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotOwner
	}
	return nil
}
