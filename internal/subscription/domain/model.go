package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID       `gorm:"not null;index" json:"org_id"`
	Status           SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt        time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Service answers the subscription-status question for the billing guard.
// It is assumed idempotent and side-effect free.
type Service interface {
	IsActive(ctx context.Context, orgID snowflake.ID) (bool, error)
}

var ErrInvalidOrganization = errors.New("invalid_organization")
