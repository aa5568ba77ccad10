package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/redis"
)

const lockKeyPrefix = "taskmesh:lock:"

// releaseScript deletes the lock only when the caller still owns it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker is a Locker backed by Redis SET NX with a per-holder token,
// for deployments running more than one coordinator instance.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	logger     logging.Logger
}

func NewRedisLocker(client *redis.Client, logger logging.Logger) *RedisLocker {
	return &RedisLocker{
		client:     client,
		ttl:        30 * time.Second,
		retryDelay: 50 * time.Millisecond,
		logger:     logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	token := uuid.New().String()
	lockKey := lockKeyPrefix + key

	for {
		acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := l.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token); err != nil {
				l.logger.Warnf("Failed to release lock %s: %v", lockKey, err)
			}
		})
	}, nil
}
