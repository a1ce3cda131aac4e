package cache

import (
	"context"
	"time"
)

// Store is the shared cache contract. It backs pending auth challenges, the
// session cache, rate-limit counters, and news caching, each under its own
// key namespace.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
