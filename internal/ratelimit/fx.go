package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when no shared store is configured; the limiter
// then runs on the in-process fallback only (single-node deployments).
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func provideLimiter(
	client *redis.Client,
	limits config.LimitsConfig,
	clk clock.Clock,
	log *zap.Logger,
	metrics *obsmetrics.Metrics,
) *FixedWindowLimiter {
	var shared CounterStore
	if store := NewRedisCounterStore(client, clk); store != nil {
		shared = store
	}
	return NewFixedWindowLimiter(shared, NewMemoryCounterStore(clk), limits, clk, log, metrics)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(provideLimiter),
)
