/**
 * @description
 * Redis-based distributed lock for scheduled jobs. When several server
 * instances run the billing scheduler, only the instance holding the lock
 * processes a tick, so the same due subscriptions are never double-selected.
 */
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLock implements mutual exclusion for scheduler ticks via SET NX.
type RedisJobLock struct {
	client redis.UniversalClient
	token  string
}

// NewRedisJobLock creates a job lock with a per-instance release token.
func NewRedisJobLock(client redis.UniversalClient) *RedisJobLock {
	return &RedisJobLock{
		client: client,
		token:  uuid.NewString(),
	}
}

// Acquire attempts to take the named lock for at most ttl. It returns false
// without error when another instance already holds it.
func (l *RedisJobLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "ussd-credit:lock:"+name, l.token, ttl).Result()
}

// Release frees the named lock if this instance still holds it. A lock that
// expired and was taken by another instance is left alone.
func (l *RedisJobLock) Release(ctx context.Context, name string) error {
	return releaseLockScript.Run(ctx, l.client, []string{"ussd-credit:lock:" + name}, l.token).Err()
}
