package migration

import (
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerguard/internal/subscription/domain"
	"gorm.io/gorm"
)

// Run creates the schema. LedgerEntry rows are immutable once written; any
// future migration tooling must preserve that append-only property.
func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.Wallet{},
		&ledgerdomain.DriftRecord{},
		&subscriptiondomain.Subscription{},
	)
}
