package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	subscriptiondomain "github.com/smallbiznis/ledgerguard/internal/subscription/domain"
	"gorm.io/gorm"
)

// checkTimeout bounds the status query; the guard fails closed on expiry.
const checkTimeout = 2 * time.Second

type Service struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewService(db *gorm.DB, clk clock.Clock) subscriptiondomain.Service {
	return &Service{db: db, clock: clk}
}

// IsActive reports whether the org holds a subscription in a billable state.
// past_due and canceled subscriptions do not gate metered features open.
func (s *Service) IsActive(ctx context.Context, orgID snowflake.ID) (bool, error) {
	if orgID == 0 {
		return false, subscriptiondomain.ErrInvalidOrganization
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE org_id = ?
		   AND status IN (?, ?)
		   AND (current_period_end IS NULL OR current_period_end > ?)`,
		orgID,
		string(subscriptiondomain.StatusActive),
		string(subscriptiondomain.StatusTrialing),
		s.clock.Now(),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
