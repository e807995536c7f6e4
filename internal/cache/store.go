package cache

import (
	"context"
	"time"
)

// Store is the shared counter interface used by distributed rate limiting.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

var _ Store = (*RedisStore)(nil)
