package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ledgerguard/internal/clock"
)

const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// RedisCounterStore shares fixed-window counters across processes.
type RedisCounterStore struct {
	client *redis.Client
	script *redis.Script
	clk    clock.Clock
}

func NewRedisCounterStore(client *redis.Client, clk clock.Clock) *RedisCounterStore {
	if client == nil {
		return nil
	}
	return &RedisCounterStore{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		clk:    clk,
	}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if s == nil || s.client == nil {
		return 0, time.Time{}, errors.New("counter store not configured")
	}
	if key == "" {
		return 0, time.Time{}, ErrInvalidLimitKey
	}
	if ttl <= 0 {
		return 0, time.Time{}, errors.New("counter ttl must be positive")
	}

	res, err := s.script.Run(ctx, s.client, []string{key}, int64(ttl/time.Millisecond)).Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) < 2 {
		return 0, time.Time{}, errors.New("invalid counter script response")
	}

	count := castToInt(res[0])
	pttl := castToInt(res[1])
	return count, s.clk.Now().Add(time.Duration(pttl) * time.Millisecond), nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
