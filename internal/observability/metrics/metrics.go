package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the prometheus instruments for the metering core.
type Metrics struct {
	ledgerEntries    *prometheus.CounterVec
	ledgerConflicts  prometheus.Counter
	appendDuration   prometheus.Histogram
	guardDecisions   *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec
	rateLimitFallbck prometheus.Counter
	reconcileRuns    prometheus.Counter
	driftCorrections prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ledgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerguard_ledger_entries_total",
			Help: "Ledger entries written, by reason.",
		}, []string{"reason"}),
		ledgerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerguard_ledger_write_conflicts_total",
			Help: "Wallet compare-and-swap conflicts observed on append.",
		}),
		appendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerguard_ledger_append_duration_seconds",
			Help:    "Ledger append latency, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		guardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerguard_guard_decisions_total",
			Help: "Billing guard decisions, by reason.",
		}, []string{"reason"}),
		rateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerguard_rate_limit_denied_total",
			Help: "Rate limit denials, by feature.",
		}, []string{"feature"}),
		rateLimitFallbck: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerguard_rate_limit_fallback_total",
			Help: "Checks served by the in-process counter store while the shared store was unavailable.",
		}),
		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerguard_reconcile_runs_total",
			Help: "Reconciliation sweeps executed.",
		}),
		driftCorrections: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerguard_reconcile_drift_corrections_total",
			Help: "Wallet balances corrected after ledger replay disagreed.",
		}),
	}
}

func (m *Metrics) RecordLedgerEntry(reason string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLedgerConflict() {
	if m == nil {
		return
	}
	m.ledgerConflicts.Inc()
}

func (m *Metrics) ObserveAppendDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.appendDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordGuardDecision(reason string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimitDenied(feature string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(feature).Inc()
}

func (m *Metrics) RecordRateLimitFallback() {
	if m == nil {
		return
	}
	m.rateLimitFallbck.Inc()
}

func (m *Metrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

func (m *Metrics) RecordDriftCorrection() {
	if m == nil {
		return
	}
	m.driftCorrections.Inc()
}
