package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/ledgerguard/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/ledgerguard/internal/ledger/service"
	"github.com/smallbiznis/ledgerguard/internal/migration"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sweepFixture struct {
	scheduler *Scheduler
	ledgerSvc ledgerdomain.Service
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.Run(conn))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	metrics := obsmetrics.New(prometheus.NewRegistry())
	repo := ledgerrepository.New(conn)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		Repo:       repo,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		ObsMetrics: metrics,
	})

	sched, err := New(Params{
		Log:        zap.NewNop(),
		Clock:      clk,
		LedgerSvc:  ledgerSvc,
		LedgerRepo: repo,
		ObsMetrics: metrics,
		Config:     Config{RunInterval: time.Hour, JobTimeout: time.Minute, LockTTL: time.Minute},
	})
	require.NoError(t, err)

	return &sweepFixture{scheduler: sched, ledgerSvc: ledgerSvc, db: conn, node: node, clk: clk}
}

func (f *sweepFixture) seedOrg(t *testing.T, balance int64) snowflake.ID {
	t.Helper()
	orgID := f.node.Generate()
	_, err := f.ledgerSvc.Append(context.Background(), ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          balance,
		Reason:         "grant:purchase",
		IdempotencyKey: "seed-grant",
	})
	require.NoError(t, err)
	return orgID
}

func TestRunOnce_CorrectsDriftedWallet(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	healthy := f.seedOrg(t, 100)
	drifted := f.seedOrg(t, 100)

	// Simulate a wallet left behind by a crash mid-write.
	require.NoError(t, f.db.Exec(`UPDATE wallets SET balance = 40 WHERE org_id = ?`, drifted).Error)

	require.NoError(t, f.scheduler.RunOnce(ctx))

	balance, err := f.ledgerSvc.GetBalance(ctx, drifted)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	balance, err = f.ledgerSvc.GetBalance(ctx, healthy)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var driftCount int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM ledger_drift_records`).Scan(&driftCount).Error)
	assert.Equal(t, int64(1), driftCount, "only the drifted org produces a correction record")
}

func TestRunOnce_SweepWindowCoversRecentActivity(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	// First sweep covers the full ledger and records the sweep time.
	orgID := f.seedOrg(t, 100)
	require.NoError(t, f.scheduler.RunOnce(ctx))

	// Activity just after a sweep still falls inside the next window because
	// each sweep looks back one extra interval.
	f.clk.Advance(time.Hour)
	_, err := f.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -30,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE wallets SET balance = 5 WHERE org_id = ?`, orgID).Error)

	f.clk.Advance(time.Hour)
	require.NoError(t, f.scheduler.RunOnce(ctx))

	balance, err := f.ledgerSvc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestRunOnce_IdleSweepIsNoOp(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	orgID := f.seedOrg(t, 100)
	require.NoError(t, f.scheduler.RunOnce(ctx))

	// Two intervals with no writes push the org out of the sweep window.
	f.clk.Advance(3 * time.Hour)
	require.NoError(t, f.scheduler.RunOnce(ctx))
	f.clk.Advance(time.Hour)
	require.NoError(t, f.scheduler.RunOnce(ctx))

	var driftCount int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM ledger_drift_records`).Scan(&driftCount).Error)
	assert.Equal(t, int64(0), driftCount)

	balance, err := f.ledgerSvc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.Greater(t, cfg.JobTimeout, time.Duration(0))
	assert.Greater(t, cfg.LockTTL, time.Duration(0))

	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
