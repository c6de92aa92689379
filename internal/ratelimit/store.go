package ratelimit

import (
	"context"
	"errors"
	"time"
)

// CounterStore is an atomic increment-and-read counter with expiry. The
// first increment of a key opens its window and arms the TTL; the key
// disappears on expiry. Increment atomicity is the sole synchronization
// point of the fixed-window limiter.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)
}

var (
	ErrUnknownFeature  = errors.New("unknown_feature")
	ErrInvalidLimitKey = errors.New("invalid_limit_key")
)
