package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/logger"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker locks keys across processes with SET NX PX. The TTL bounds how
// long a crashed holder can keep an enrollment locked.
type RedisLocker struct {
	client       *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, pollInterval: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("lock:%s", key)
	// The owner token keeps a holder whose TTL expired from deleting a
	// successor's lock.
	value := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, value, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", appErrors.ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}

	return func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{redisKey}, value).Err(); err != nil {
			logger.Warn("release redis lock failed", "key", redisKey, "error", err)
		}
	}, nil
}
