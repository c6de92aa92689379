package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AppendRequest struct {
	OrgID          snowflake.ID
	Delta          int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]any
	AllowOverdraft bool
}

type HistoryRequest struct {
	OrgID  snowflake.ID
	Limit  int
	Before *time.Time
}

type Service interface {
	// Append records a balance change. Replaying the same (org, idempotency
	// key) returns the original entry without a second balance change.
	Append(ctx context.Context, req AppendRequest) (*LedgerEntry, error)

	FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*LedgerEntry, error)

	// GetBalance returns the cached wallet balance; callers needing an
	// authoritative value call Reconcile first.
	GetBalance(ctx context.Context, orgID snowflake.ID) (int64, error)

	// Replay recomputes the balance by summing every entry delta. O(n); not
	// for the hot path.
	Replay(ctx context.Context, orgID snowflake.ID) (int64, error)

	// GetHistory returns entries newest first, paginated by created_at.
	GetHistory(ctx context.Context, req HistoryRequest) ([]LedgerEntry, error)

	// Reconcile replays the ledger and corrects the wallet when it disagrees.
	// Returns the drift record when a correction was applied, nil otherwise.
	Reconcile(ctx context.Context, orgID snowflake.ID) (*DriftRecord, error)
}

type Repository interface {
	GetWallet(ctx context.Context, orgID snowflake.ID) (Wallet, bool, error)
	EnsureWallet(ctx context.Context, orgID snowflake.ID, now time.Time) error

	// ApplyEntry inserts the entry and advances the wallet from
	// expectedBalance to entry.BalanceAfter in one transaction. It returns
	// ErrDuplicateEntry when the (org, idempotency key) pair already exists
	// and ErrWriteConflict when the wallet moved under the caller.
	ApplyEntry(ctx context.Context, entry *LedgerEntry, expectedBalance int64) error

	FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*LedgerEntry, error)
	SumDeltas(ctx context.Context, orgID snowflake.ID) (int64, error)
	ListEntries(ctx context.Context, req HistoryRequest) ([]LedgerEntry, error)

	// SetWalletBalanceIf corrects the wallet balance only when it still holds
	// expectedBalance; reports whether the correction was applied.
	SetWalletBalanceIf(ctx context.Context, orgID snowflake.ID, balance, expectedBalance int64, now time.Time) (bool, error)
	CreateDriftRecord(ctx context.Context, record *DriftRecord) error
	OrgsWithActivitySince(ctx context.Context, since time.Time) ([]snowflake.ID, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidReason         = errors.New("invalid_reason")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidDelta          = errors.New("invalid_delta")
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrWriteConflict         = errors.New("ledger_write_conflict")
	ErrDuplicateEntry        = errors.New("duplicate_ledger_entry")
	ErrStoreUnavailable      = errors.New("ledger_store_unavailable")
)
