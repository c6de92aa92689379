package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/internal/ledger/repository"
	"github.com/smallbiznis/ledgerguard/internal/migration"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (ledgerdomain.Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.Run(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		Repo:       repository.New(db),
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		ObsMetrics: obsmetrics.New(prometheus.NewRegistry()),
	})
	return svc, db, node, clk
}

func grant(t *testing.T, svc ledgerdomain.Service, orgID snowflake.ID, amount int64, key string) {
	t.Helper()
	_, err := svc.Append(context.Background(), ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          amount,
		Reason:         "grant:purchase",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
}

func TestAppend_GrantThenDebit(t *testing.T) {
	svc, _, node, clk := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 100, "grant-1")
	clk.Advance(time.Second)

	entry, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -30,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
		Metadata:       map[string]any{"user_id": "user_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-30), entry.Delta)
	assert.Equal(t, int64(70), entry.BalanceAfter)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestAppend_Idempotent(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 100, "grant-1")

	first, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -20,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	require.NoError(t, err)

	second, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -20,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance, "replay must not change the balance twice")

	entries, err := svc.GetHistory(ctx, ledgerdomain.HistoryRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAppend_InsufficientBalance(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 10, "grant-1")

	_, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -20,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	entries, err := svc.GetHistory(ctx, ledgerdomain.HistoryRequest{OrgID: orgID})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rejected debit must not write an entry")
}

func TestAppend_OverdraftAllowed(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 10, "grant-1")

	entry, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -25,
		Reason:         "feature:admin_grant",
		IdempotencyKey: "debit-1",
		AllowOverdraft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-15), entry.BalanceAfter)
}

func TestAppend_Validation(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	_, err := svc.Append(ctx, ledgerdomain.AppendRequest{Delta: 1, Reason: "r", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)

	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{OrgID: orgID, Delta: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidReason)

	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{OrgID: orgID, Delta: 1, Reason: "r"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidIdempotencyKey)

	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{OrgID: orgID, Reason: "r", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidDelta)
}

func TestReplayMatchesWallet(t *testing.T) {
	svc, _, node, clk := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	deltas := []int64{100, -20, -30, 50, -40}
	for i, delta := range deltas {
		reason := "feature:ai_agents"
		if delta > 0 {
			reason = "grant:purchase"
		}
		_, err := svc.Append(ctx, ledgerdomain.AppendRequest{
			OrgID:          orgID,
			Delta:          delta,
			Reason:         reason,
			IdempotencyKey: fmt.Sprintf("op-%d", i),
		})
		require.NoError(t, err)
		clk.Advance(time.Second)

		replayed, err := svc.Replay(ctx, orgID)
		require.NoError(t, err)
		balance, err := svc.GetBalance(ctx, orgID)
		require.NoError(t, err)
		assert.Equal(t, replayed, balance)
	}
}

func TestGetHistory_NewestFirstPaginated(t *testing.T) {
	svc, _, node, clk := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 100, "grant-1")
	clk.Advance(time.Minute)
	var cutoff time.Time
	for i := 0; i < 3; i++ {
		_, err := svc.Append(ctx, ledgerdomain.AppendRequest{
			OrgID:          orgID,
			Delta:          -10,
			Reason:         "feature:ai_agents",
			IdempotencyKey: fmt.Sprintf("debit-%d", i),
		})
		require.NoError(t, err)
		if i == 1 {
			cutoff = clk.Now().Add(time.Second)
		}
		clk.Advance(time.Minute)
	}

	entries, err := svc.GetHistory(ctx, ledgerdomain.HistoryRequest{OrgID: orgID})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt), "entries must be newest first")
	}

	page, err := svc.GetHistory(ctx, ledgerdomain.HistoryRequest{OrgID: orgID, Before: &cutoff})
	require.NoError(t, err)
	assert.Len(t, page, 3, "before cutoff excludes the newest entry")

	limited, err := svc.GetHistory(ctx, ledgerdomain.HistoryRequest{OrgID: orgID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReconcile_CorrectsInjectedDrift(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	ctx := context.Background()
	orgID := node.Generate()

	grant(t, svc, orgID, 100, "grant-1")
	_, err := svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -40,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	require.NoError(t, err)

	// Simulate a crash between the entry insert and the wallet update.
	require.NoError(t, db.Exec(`UPDATE wallets SET balance = 999 WHERE org_id = ?`, orgID).Error)

	record, err := svc.Reconcile(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(999), record.WalletBalance)
	assert.Equal(t, int64(60), record.ReplayedBalance)
	assert.Equal(t, int64(-939), record.Delta)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)

	var driftCount int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM ledger_drift_records WHERE org_id = ?`, orgID).Scan(&driftCount).Error)
	assert.Equal(t, int64(1), driftCount)

	// A clean wallet produces no further corrections.
	record, err = svc.Reconcile(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, record)
}

// stuckRepo blocks every read until the caller's deadline fires, the shape
// of a backing store that hangs instead of erroring.
type stuckRepo struct{}

func (stuckRepo) GetWallet(ctx context.Context, _ snowflake.ID) (ledgerdomain.Wallet, bool, error) {
	<-ctx.Done()
	return ledgerdomain.Wallet{}, false, ctx.Err()
}

func (stuckRepo) FindByIdempotencyKey(ctx context.Context, _ snowflake.ID, _ string) (*ledgerdomain.LedgerEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stuckRepo) EnsureWallet(context.Context, snowflake.ID, time.Time) error { return nil }

func (stuckRepo) ApplyEntry(context.Context, *ledgerdomain.LedgerEntry, int64) error { return nil }

func (stuckRepo) SumDeltas(context.Context, snowflake.ID) (int64, error) { return 0, nil }

func (stuckRepo) ListEntries(context.Context, ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	return nil, nil
}

func (stuckRepo) SetWalletBalanceIf(context.Context, snowflake.ID, int64, int64, time.Time) (bool, error) {
	return false, nil
}

func (stuckRepo) CreateDriftRecord(context.Context, *ledgerdomain.DriftRecord) error { return nil }

func (stuckRepo) OrgsWithActivitySince(context.Context, time.Time) ([]snowflake.ID, error) {
	return nil, nil
}

func TestAppend_HungStoreFailsClosed(t *testing.T) {
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	svc := NewService(Params{
		Repo:         stuckRepo{},
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clock.NewSystemClock(),
		StoreTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	orgID := node.Generate()

	start := time.Now()
	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          -10,
		Reason:         "feature:ai_agents",
		IdempotencyKey: "debit-1",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrStoreUnavailable)
	assert.Less(t, time.Since(start), time.Second, "append must give up at the store timeout")

	_, err = svc.FindByIdempotencyKey(ctx, orgID, "debit-1")
	assert.ErrorIs(t, err, ledgerdomain.ErrStoreUnavailable)

	_, err = svc.GetBalance(ctx, orgID)
	assert.ErrorIs(t, err, ledgerdomain.ErrStoreUnavailable)
}

// memRepo emulates the store's compare-and-swap semantics in memory so the
// concurrency properties can be exercised deterministically.
type memRepo struct {
	mu      sync.Mutex
	wallets map[snowflake.ID]ledgerdomain.Wallet
	entries []ledgerdomain.LedgerEntry
	byKey   map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		wallets: make(map[snowflake.ID]ledgerdomain.Wallet),
		byKey:   make(map[string]int),
	}
}

func memKey(orgID snowflake.ID, key string) string {
	return orgID.String() + "|" + key
}

func (r *memRepo) GetWallet(_ context.Context, orgID snowflake.ID) (ledgerdomain.Wallet, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.wallets[orgID]
	return wallet, ok, nil
}

func (r *memRepo) EnsureWallet(_ context.Context, orgID snowflake.ID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wallets[orgID]; !ok {
		r.wallets[orgID] = ledgerdomain.Wallet{OrgID: orgID, UpdatedAt: now}
	}
	return nil
}

func (r *memRepo) ApplyEntry(_ context.Context, entry *ledgerdomain.LedgerEntry, expectedBalance int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[memKey(entry.OrgID, entry.IdempotencyKey)]; ok {
		return ledgerdomain.ErrDuplicateEntry
	}
	wallet := r.wallets[entry.OrgID]
	if wallet.Balance != expectedBalance {
		return ledgerdomain.ErrWriteConflict
	}

	r.entries = append(r.entries, *entry)
	r.byKey[memKey(entry.OrgID, entry.IdempotencyKey)] = len(r.entries) - 1
	wallet.OrgID = entry.OrgID
	wallet.Balance = entry.BalanceAfter
	wallet.UpdatedAt = entry.CreatedAt
	r.wallets[entry.OrgID] = wallet
	return nil
}

func (r *memRepo) FindByIdempotencyKey(_ context.Context, orgID snowflake.ID, key string) (*ledgerdomain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byKey[memKey(orgID, key)]
	if !ok {
		return nil, nil
	}
	entry := r.entries[idx]
	return &entry, nil
}

func (r *memRepo) SumDeltas(_ context.Context, orgID snowflake.ID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, entry := range r.entries {
		if entry.OrgID == orgID {
			total += entry.Delta
		}
	}
	return total, nil
}

func (r *memRepo) ListEntries(_ context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledgerdomain.LedgerEntry
	for _, entry := range r.entries {
		if entry.OrgID == req.OrgID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memRepo) SetWalletBalanceIf(_ context.Context, orgID snowflake.ID, balance, expectedBalance int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet := r.wallets[orgID]
	if wallet.Balance != expectedBalance {
		return false, nil
	}
	wallet.Balance = balance
	wallet.UpdatedAt = now
	r.wallets[orgID] = wallet
	return true, nil
}

func (r *memRepo) CreateDriftRecord(context.Context, *ledgerdomain.DriftRecord) error { return nil }

func (r *memRepo) OrgsWithActivitySince(context.Context, time.Time) ([]snowflake.ID, error) {
	return nil, nil
}

func newConcurrencyService(t *testing.T, repo ledgerdomain.Repository) ledgerdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return NewService(Params{
		Repo:       repo,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewSystemClock(),
		Retry:      retry.Policy{MaxAttempts: 25, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond},
		ObsMetrics: obsmetrics.New(prometheus.NewRegistry()),
	})
}

func TestAppend_NoOverdraftUnderConcurrency(t *testing.T) {
	repo := newMemRepo()
	svc := newConcurrencyService(t, repo)
	ctx := context.Background()

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	orgID := node.Generate()

	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          100,
		Reason:         "grant:purchase",
		IdempotencyKey: "grant-1",
	})
	require.NoError(t, err)

	const workers = 10
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Append(ctx, ledgerdomain.AppendRequest{
				OrgID:          orgID,
				Delta:          -20,
				Reason:         "feature:ai_agents",
				IdempotencyKey: fmt.Sprintf("k-%d", i),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)
			insufficient++
		}
	}

	assert.Equal(t, 5, succeeded, "exactly floor(B/C) debits may land")
	assert.Equal(t, 5, insufficient)

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	replayed, err := svc.Replay(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), replayed)
}

func TestAppend_IdempotentUnderConcurrency(t *testing.T) {
	repo := newMemRepo()
	svc := newConcurrencyService(t, repo)
	ctx := context.Background()

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	orgID := node.Generate()

	_, err = svc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          orgID,
		Delta:          100,
		Reason:         "grant:purchase",
		IdempotencyKey: "grant-1",
	})
	require.NoError(t, err)

	const workers = 8
	ids := make(chan snowflake.ID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := svc.Append(ctx, ledgerdomain.AppendRequest{
				OrgID:          orgID,
				Delta:          -20,
				Reason:         "feature:ai_agents",
				IdempotencyKey: "same-key",
			})
			require.NoError(t, err)
			ids <- entry.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := snowflake.ID(0)
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id, "all retries must observe the same entry")
	}

	balance, err := svc.GetBalance(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance, "the debit must apply exactly once")
}
