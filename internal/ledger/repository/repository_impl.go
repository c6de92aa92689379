package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func New(conn *gorm.DB) ledgerdomain.Repository {
	return &repo{db: conn}
}

func (r *repo) GetWallet(ctx context.Context, orgID snowflake.ID) (ledgerdomain.Wallet, bool, error) {
	var wallet ledgerdomain.Wallet
	err := r.db.WithContext(ctx).Raw(
		`SELECT org_id, balance, updated_at
		 FROM wallets
		 WHERE org_id = ?`,
		orgID,
	).Scan(&wallet).Error
	if err != nil {
		return ledgerdomain.Wallet{}, false, err
	}
	if wallet.OrgID == 0 {
		return ledgerdomain.Wallet{}, false, nil
	}
	return wallet, true, nil
}

func (r *repo) EnsureWallet(ctx context.Context, orgID snowflake.ID, now time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO wallets (org_id, balance, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (org_id) DO NOTHING`,
		orgID,
		now,
	).Error
}

func (r *repo) ApplyEntry(ctx context.Context, entry *ledgerdomain.LedgerEntry, expectedBalance int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Create(entry)
		if result.Error != nil {
			if db.IsDuplicateKeyErr(result.Error) {
				return ledgerdomain.ErrDuplicateEntry
			}
			return result.Error
		}

		update := tx.WithContext(ctx).Exec(
			`UPDATE wallets
			 SET balance = ?, updated_at = ?
			 WHERE org_id = ? AND balance = ?`,
			entry.BalanceAfter,
			entry.CreatedAt,
			entry.OrgID,
			expectedBalance,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// Wallet moved under us; roll the entry back and let the caller
			// re-read and retry.
			return ledgerdomain.ErrWriteConflict
		}
		return nil
	})
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) SumDeltas(ctx context.Context, orgID snowflake.ID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0)
		 FROM ledger_entries
		 WHERE org_id = ?`,
		orgID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ListEntries(ctx context.Context, req ledgerdomain.HistoryRequest) ([]ledgerdomain.LedgerEntry, error) {
	limit := req.Limit
	if limit <= 0 || limit > 250 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Where("org_id = ?", req.OrgID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
	if req.Before != nil {
		query = query.Where("created_at < ?", req.Before.UTC())
	}

	var entries []ledgerdomain.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SetWalletBalanceIf(ctx context.Context, orgID snowflake.ID, balance, expectedBalance int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE wallets
		 SET balance = ?, updated_at = ?
		 WHERE org_id = ? AND balance = ?`,
		balance,
		now,
		orgID,
		expectedBalance,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CreateDriftRecord(ctx context.Context, record *ledgerdomain.DriftRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repo) OrgsWithActivitySince(ctx context.Context, since time.Time) ([]snowflake.ID, error) {
	var orgIDs []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id
		 FROM ledger_entries
		 WHERE created_at >= ?
		 ORDER BY org_id`,
		since.UTC(),
	).Scan(&orgIDs).Error
	if err != nil {
		return nil, err
	}
	return orgIDs, nil
}
