package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript increments the key and starts its TTL window on the
// first hit only, so the window does not slide with traffic.
// KEYS[1] = counter key
// ARGV[1] = ttl in seconds
var incrWithTTLScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// RedisBlockCounter is the cloud BlockCounter on redis. Expiry is handled by
// the server, so Get after TTL naturally reads zero.
type RedisBlockCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisBlockCounter wraps an existing redis client.
func NewRedisBlockCounter(client *redis.Client, prefix string) *RedisBlockCounter {
	return &RedisBlockCounter{client: client, prefix: prefix}
}

// Increment atomically bumps the counter, returning the new count.
func (c *RedisBlockCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrWithTTLScript.Run(ctx, c.client, []string{c.prefix + key}, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("increment %s: unexpected reply %T", key, res)
	}
	return count, nil
}

// Get returns the live count; missing or expired keys read as zero.
func (c *RedisBlockCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, c.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

var _ BlockCounter = (*RedisBlockCounter)(nil)
