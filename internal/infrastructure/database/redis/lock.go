// internal/infrastructure/database/redis/lock.go
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// Deletes the key only if it still holds our token, so an expired lock
// re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes a short-lived exclusive lock on key. ok is false when someone
// else holds it; token must be passed to Release.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.Redis.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if token still owns it
func (c *Client) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.Redis, []string{lockPrefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Allow counts one hit against key within window and reports whether the
// count is still within limit. Used by the rate limiter.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	count, err := c.Redis.Incr(ctx, key).Result()
	if err != nil {
		return true, 0, fmt.Errorf("failed to count request: %w", err)
	}
	if count == 1 {
		if err := c.Redis.Expire(ctx, key, window).Err(); err != nil {
			return true, int(count), fmt.Errorf("failed to set rate window: %w", err)
		}
	}
	return int(count) <= limit, int(count), nil
}
