package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock is a best-effort mutual exclusion lease held in Redis. Only the
// owner that acquired a lease may release it.
type RedisLock struct {
	client redis.Cmdable
	owner  string
	prefix string
}

func NewRedisLock(client redis.Cmdable, owner string) *RedisLock {
	return &RedisLock{client: client, owner: owner, prefix: "lock:"}
}

// Acquire takes the named lease for ttl. It returns false without error when
// another owner holds it.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Release drops the lease if this owner still holds it.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
