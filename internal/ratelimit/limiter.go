package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	keyFixedWindow = "ratelimit:%s:%s"

	checkTimeout = 2 * time.Second
)

// Decision reports a single rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type windowLimit struct {
	maxRequests int
	window      time.Duration
}

// FixedWindowLimiter enforces per-(feature, user) fixed windows. Each key's
// window opens at its first observed request and resets only on expiry;
// windows are deliberately not aligned to wall-clock boundaries.
type FixedWindowLimiter struct {
	shared   CounterStore
	fallback CounterStore
	limits   map[string]windowLimit
	clk      clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
}

func NewFixedWindowLimiter(
	shared CounterStore,
	fallback CounterStore,
	limits config.LimitsConfig,
	clk clock.Clock,
	log *zap.Logger,
	metrics *obsmetrics.Metrics,
) *FixedWindowLimiter {
	compiled := make(map[string]windowLimit, len(limits.RateLimits))
	for feature, limit := range limits.RateLimits {
		if limit.MaxRequests <= 0 || limit.WindowMinutes <= 0 {
			continue
		}
		compiled[strings.TrimSpace(feature)] = windowLimit{
			maxRequests: limit.MaxRequests,
			window:      time.Duration(limit.WindowMinutes) * time.Minute,
		}
	}
	return &FixedWindowLimiter{
		shared:   shared,
		fallback: fallback,
		limits:   compiled,
		clk:      clk,
		log:      log.Named("ratelimit"),
		metrics:  metrics,
	}
}

// Check increments the counter for (feature, userID) and reports whether the
// request is allowed. Every checked request counts, including the one that
// trips the limit. Unknown features fail closed.
func (l *FixedWindowLimiter) Check(ctx context.Context, feature, userID string) (Decision, error) {
	feature = strings.TrimSpace(feature)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Decision{}, ErrInvalidLimitKey
	}
	limit, ok := l.limits[feature]
	if !ok {
		return Decision{}, ErrUnknownFeature
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	key := fmt.Sprintf(keyFixedWindow, feature, userID)
	count, expiresAt, err := l.incr(ctx, key, limit.window, feature)
	if err != nil {
		return Decision{}, err
	}

	allowed := count <= int64(limit.maxRequests)
	remaining := limit.maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     limit.maxRequests,
		Remaining: remaining,
		ResetAt:   expiresAt,
	}
	if !allowed {
		decision.RetryAfter = expiresAt.Sub(l.clk.Now())
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		l.metrics.RecordRateLimitDenied(feature)
	}
	return decision, nil
}

// incr talks to the shared store and falls back to the in-process counter
// when it is unreachable. Fail-open: abuse risk during an outage is
// time-bounded and cheap compared to rejecting all metered traffic.
func (l *FixedWindowLimiter) incr(ctx context.Context, key string, window time.Duration, feature string) (int64, time.Time, error) {
	if l.shared != nil {
		count, expiresAt, err := l.shared.Incr(ctx, key, window)
		if err == nil {
			return count, expiresAt, nil
		}
		l.metrics.RecordRateLimitFallback()
		l.log.Warn("shared counter store unavailable, serving from in-process fallback",
			zap.String("feature", feature),
			zap.Error(err),
		)
	}
	return l.fallback.Incr(ctx, key, window)
}
