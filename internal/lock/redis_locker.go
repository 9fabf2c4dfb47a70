package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/telemetry"
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lockKey := fmt.Sprintf("link_reconcile_lock:%s", key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		released, err := releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{lockKey}, token).Int()
		if err != nil {
			telemetry.Logger.Warn("Failed to release group lock", zap.String("key", lockKey), zap.Error(err))
			return
		}
		if released == 0 {
			telemetry.Logger.Warn("Group lock expired before release", zap.String("key", lockKey))
		}
	}
	return release, true, nil
}

// NoopLocker always grants the lock; used when a single replica runs.
type NoopLocker struct{}

func (NoopLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	return func() {}, true, nil
}

var (
	_ interfaces.Locker = (*RedisLocker)(nil)
	_ interfaces.Locker = NoopLocker{}
)
