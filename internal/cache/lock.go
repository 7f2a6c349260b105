package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-holder Redis lock with a TTL.
type Lock struct {
	redis *redis.Client
	key   string
	token string
}

// Locker hands out named locks under a common prefix.
type Locker struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLocker creates a Locker whose locks expire after ttl.
func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{redis: client, prefix: prefix, ttl: ttl}
}

// Acquire takes the named lock or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return &Lock{redis: l.redis, key: key, token: token}, nil
}

// Release frees the lock if it is still ours. Releasing an expired or
// stolen lock is not an error.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.redis, []string{lk.key}, lk.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}
	return nil
}
