package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// defaultStoreTimeout bounds every blocking store operation. A hung backing
// store surfaces ErrStoreUnavailable after the bound instead of stalling the
// caller; money paths fail closed, never open.
const defaultStoreTimeout = 2 * time.Second

type Params struct {
	fx.In

	Repo         ledgerdomain.Repository
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Retry        retry.Policy        `optional:"true"`
	StoreTimeout time.Duration       `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	repo         ledgerdomain.Repository
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	retry        retry.Policy
	storeTimeout time.Duration
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	timeout := p.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Service{
		repo:         p.Repo,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		retry:        p.Retry,
		storeTimeout: timeout,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ledgerdomain.ErrInvalidReason
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if req.Delta == 0 {
		return nil, ledgerdomain.ErrInvalidDelta
	}

	start := time.Now()
	defer func() {
		s.obsMetrics.ObserveAppendDuration(time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var entry *ledgerdomain.LedgerEntry
	err := s.retry.Do(ctx, isWriteConflict, func() error {
		var attemptErr error
		entry, attemptErr = s.appendOnce(ctx, req.OrgID, req.Delta, reason, key, req.Metadata, req.AllowOverdraft)
		if errors.Is(attemptErr, ledgerdomain.ErrWriteConflict) {
			s.obsMetrics.RecordLedgerConflict()
		}
		return attemptErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, storeErr("append", err)
		}
		return nil, err
	}

	s.obsMetrics.RecordLedgerEntry(reason)
	return entry, nil
}

// appendOnce performs a single compare-and-swap attempt: read the wallet,
// check sufficiency, then insert the entry and advance the wallet from the
// observed balance in one transaction.
func (s *Service) appendOnce(
	ctx context.Context,
	orgID snowflake.ID,
	delta int64,
	reason string,
	key string,
	metadata map[string]any,
	allowOverdraft bool,
) (*ledgerdomain.LedgerEntry, error) {
	now := s.clock.Now()

	wallet, found, err := s.repo.GetWallet(ctx, orgID)
	if err != nil {
		return nil, storeErr("read wallet", err)
	}
	if !found {
		if err := s.repo.EnsureWallet(ctx, orgID, now); err != nil {
			return nil, storeErr("create wallet", err)
		}
		wallet = ledgerdomain.Wallet{OrgID: orgID}
	}

	newBalance := wallet.Balance + delta
	if delta < 0 && newBalance < 0 && !allowOverdraft {
		return nil, ledgerdomain.ErrInsufficientBalance
	}

	entry := &ledgerdomain.LedgerEntry{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: key,
		BalanceAfter:   newBalance,
		Metadata:       datatypes.JSONMap(metadata),
		CreatedAt:      now,
	}

	err = s.repo.ApplyEntry(ctx, entry, wallet.Balance)
	switch {
	case err == nil:
		s.log.Info("ledger entry appended",
			zap.String("org_id", orgID.String()),
			zap.String("entry_id", entry.ID.String()),
			zap.Int64("delta", delta),
			zap.String("reason", reason),
			zap.Int64("balance_after", newBalance),
		)
		return entry, nil

	case errors.Is(err, ledgerdomain.ErrDuplicateEntry):
		existing, findErr := s.repo.FindByIdempotencyKey(ctx, orgID, key)
		if findErr != nil {
			return nil, storeErr("find existing entry", findErr)
		}
		if existing != nil {
			return existing, nil
		}
		// The unique index fired but the winning row is not yet visible: the
		// first writer has not committed. Treat as a conflict so the retry
		// policy re-drives until the row lands.
		return nil, ledgerdomain.ErrWriteConflict

	case errors.Is(err, ledgerdomain.ErrWriteConflict):
		return nil, ledgerdomain.ErrWriteConflict

	default:
		return nil, storeErr("apply entry", err)
	}
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*ledgerdomain.LedgerEntry, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	entry, err := s.repo.FindByIdempotencyKey(ctx, orgID, key)
	if err != nil {
		return nil, storeErr("find entry", err)
	}
	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, ledgerdomain.ErrInvalidOrganization
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	wallet, found, err := s.repo.GetWallet(ctx, orgID)
	if err != nil {
		return 0, storeErr("read wallet", err)
	}
	if !found {
		return 0, nil
	}
	return wallet.Balance, nil
}

func (s *Service) Replay(ctx context.Context, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, ledgerdomain.ErrInvalidOrganization
	}
	total, err := s.repo.SumDeltas(ctx, orgID)
	if err != nil {
		return 0, storeErr("replay ledger", err)
	}
	return total, nil
}

func (s *Service) GetHistory(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	if req.OrgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	entries, err := s.repo.ListEntries(ctx, req)
	if err != nil {
		return nil, storeErr("list entries", err)
	}
	return entries, nil
}

func (s *Service) Reconcile(ctx context.Context, orgID snowflake.ID) (*ledgerdomain.DriftRecord, error) {
	if orgID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}

	replayed, err := s.repo.SumDeltas(ctx, orgID)
	if err != nil {
		return nil, storeErr("replay ledger", err)
	}
	wallet, found, err := s.repo.GetWallet(ctx, orgID)
	if err != nil {
		return nil, storeErr("read wallet", err)
	}
	if !found {
		if replayed == 0 {
			return nil, nil
		}
		if err := s.repo.EnsureWallet(ctx, orgID, s.clock.Now()); err != nil {
			return nil, storeErr("create wallet", err)
		}
		wallet = ledgerdomain.Wallet{OrgID: orgID}
	}
	if wallet.Balance == replayed {
		return nil, nil
	}

	now := s.clock.Now()
	applied, err := s.repo.SetWalletBalanceIf(ctx, orgID, replayed, wallet.Balance, now)
	if err != nil {
		return nil, storeErr("correct wallet", err)
	}
	if !applied {
		// A write landed between replay and correction; the next sweep will
		// re-check the org.
		return nil, nil
	}

	record := &ledgerdomain.DriftRecord{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		WalletBalance:   wallet.Balance,
		ReplayedBalance: replayed,
		Delta:           replayed - wallet.Balance,
		DetectedAt:      now,
	}
	if err := s.repo.CreateDriftRecord(ctx, record); err != nil {
		return nil, storeErr("record drift", err)
	}

	s.obsMetrics.RecordDriftCorrection()
	s.log.Warn("wallet drift corrected",
		zap.String("org_id", orgID.String()),
		zap.Int64("wallet_balance", record.WalletBalance),
		zap.Int64("replayed_balance", record.ReplayedBalance),
		zap.Int64("delta", record.Delta),
	)
	return record, nil
}

func isWriteConflict(err error) bool {
	return errors.Is(err, ledgerdomain.ErrWriteConflict)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledgerdomain.ErrStoreUnavailable, op, err)
}
