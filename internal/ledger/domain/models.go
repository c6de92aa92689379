package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEntry is an immutable, append-only balance change. The authoritative
// balance for an org is always the sum of its deltas; BalanceAfter is a
// write-time snapshot kept for audit and must not be trusted over a replay.
type LedgerEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_entries_org_idem,priority:1" json:"org_id"`
	Delta          int64             `gorm:"not null" json:"delta"`
	Reason         string            `gorm:"type:text;not null" json:"reason"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_org_idem,priority:2" json:"idempotency_key"`
	BalanceAfter   int64             `gorm:"not null" json:"balance_after"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// Wallet is the mutable cached-balance projection derived from the ledger.
// Created lazily on the first ledger write for an org, updated in the same
// transaction as every entry, corrected by reconciliation on drift.
type Wallet struct {
	OrgID     snowflake.ID `gorm:"primaryKey" json:"org_id"`
	Balance   int64        `gorm:"not null" json:"balance"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// DriftRecord is the audit trail of a reconciliation correction.
type DriftRecord struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID `gorm:"not null;index" json:"org_id"`
	WalletBalance   int64        `gorm:"not null" json:"wallet_balance"`
	ReplayedBalance int64        `gorm:"not null" json:"replayed_balance"`
	Delta           int64        `gorm:"not null" json:"delta"`
	DetectedAt      time.Time    `gorm:"not null" json:"detected_at"`
}

// TableName sets the database table name.
func (DriftRecord) TableName() string { return "ledger_drift_records" }
