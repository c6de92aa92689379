package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const reconcileLockKey = "reconcile:sweep:lock"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	LedgerRepo ledgerdomain.Repository
	Locker     *ratelimit.Locker   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Config     Config              `optional:"true"`
}

// Scheduler periodically replays ledgers and corrects wallet drift. Drift
// should not occur under correct locking; the sweep is the safety net for
// store-level anomalies such as a crash between the entry insert and the
// wallet update.
type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	ledgerRepo ledgerdomain.Repository
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics

	mu        sync.Mutex
	lastSweep time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.LedgerSvc == nil || p.LedgerRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "reconcile")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		ledgerRepo: p.LedgerRepo,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}, nil
}

// RunOnce executes a single reconciliation sweep. When a distributed locker
// is configured, only one process sweeps per interval.
func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, reconcileLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("reconcile lock unavailable, skipping sweep", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, reconcileLockKey, token); err != nil {
				s.log.Warn("reconcile lock release failed", zap.Error(err))
			}
		}()
	}

	err := s.ReconcileJob(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("reconcile sweep timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

// ReconcileJob replays every org with ledger activity since the previous
// sweep (with one interval of slack) and corrects any wallet drift.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	s.obsMetrics.RecordReconcileRun()

	since := s.takeSweepWindow()
	orgIDs, err := s.ledgerRepo.OrgsWithActivitySince(ctx, since)
	if err != nil {
		return err
	}

	var errs error
	corrected := 0
	for _, orgID := range orgIDs {
		record, err := s.ledgerSvc.Reconcile(ctx, orgID)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("org %s: %w", orgID, err))
			continue
		}
		if record != nil {
			corrected++
		}
	}

	s.log.Info("reconcile sweep finished",
		zap.Int("orgs_checked", len(orgIDs)),
		zap.Int("drift_corrections", corrected),
		zap.Time("since", since),
	)
	return errs
}

// takeSweepWindow returns the activity cutoff for this sweep and records the
// sweep time. The extra interval of slack covers writes racing the previous
// sweep; the first sweep after startup checks the full ledger.
func (s *Scheduler) takeSweepWindow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var since time.Time
	if !s.lastSweep.IsZero() {
		since = s.lastSweep.Add(-s.cfg.RunInterval)
	}
	s.lastSweep = now
	return since
}

// Run loops RunOnce on the configured interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}
