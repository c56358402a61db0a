package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/cache"
)

// Redis is a Locker shared by every process pointing at the same Redis.
// Locks expire after ttl so a crashed holder cannot wedge a client.
type Redis struct {
	client *cache.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a distributed locker.
func NewRedis(client *cache.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.AcquireLock(ctx, key, token, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("try lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrContended
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.client.ReleaseLock(releaseCtx, key, token); err != nil {
				r.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
