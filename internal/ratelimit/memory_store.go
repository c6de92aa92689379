package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/ledgerguard/internal/clock"
)

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore mirrors the shared store's semantics inside a single
// process. It backs the limiter's fail-open degraded mode: limits are
// under-enforced across processes while the shared store is down, but each
// process still caps its own traffic.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	clk     clock.Clock
}

func NewMemoryCounterStore(clk clock.Clock) *MemoryCounterStore {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &MemoryCounterStore{
		windows: make(map[string]memoryWindow),
		clk:     clk,
	}
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	_ = ctx
	if key == "" {
		return 0, time.Time{}, ErrInvalidLimitKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	window, ok := s.windows[key]
	if !ok || !window.expiresAt.After(now) {
		window = memoryWindow{expiresAt: now.Add(ttl)}
	}
	window.count++
	s.windows[key] = window

	if len(s.windows) > 4096 {
		s.sweepLocked(now)
	}
	return window.count, window.expiresAt, nil
}

func (s *MemoryCounterStore) sweepLocked(now time.Time) {
	for key, window := range s.windows {
		if !window.expiresAt.After(now) {
			delete(s.windows, key)
		}
	}
}
