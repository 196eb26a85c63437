package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	defaultLease = 30 * time.Second
	pollInterval = 25 * time.Millisecond
)

// Redis is a keyed lock shared across processes through SET NX PX.
// A lock held past its lease expires on the server, so a crashed holder
// cannot block a batch forever.
type Redis struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis locker. prefix namespaces keys; lease bounds how
// long an abandoned lock survives.
func NewRedis(client redis.UniversalClient, prefix string, lease time.Duration, logger *zap.Logger) *Redis {
	if lease <= 0 {
		lease = defaultLease
	}
	if prefix == "" {
		prefix = "batchledger:lock:"
	}
	return &Redis{client: client, prefix: prefix, lease: lease, logger: logger}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context so a cancelled request still unlocks.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
