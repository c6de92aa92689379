package domain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies a billing decision. Each denial reason implies a
// different remediation for the caller, so they are never collapsed into a
// generic error.
type Reason string

const (
	ReasonAllowed              Reason = "allowed"
	ReasonSubscriptionRequired Reason = "subscription_required"
	ReasonRateLimitExceeded    Reason = "rate_limit_exceeded"
	ReasonInsufficientBalance  Reason = "insufficient_balance"
	ReasonWriteConflict        Reason = "ledger_write_conflict"
	ReasonStoreUnavailable     Reason = "store_unavailable"
)

type decisionState int

const (
	statePending decisionState = iota
	stateCommitted
	stateVoided
)

// Decision is the transient result of an authorization. It is never
// persisted; exactly one of Commit/Void must follow an allowed decision.
type Decision struct {
	ID             string       `json:"id"`
	OrgID          snowflake.ID `json:"org_id"`
	UserID         string       `json:"user_id"`
	Feature        string       `json:"feature"`
	Cost           int64        `json:"cost"`
	IdempotencyKey string       `json:"idempotency_key"`

	Allowed       bool          `json:"allowed"`
	Reason        Reason        `json:"reason"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	LedgerEntryID snowflake.ID  `json:"ledger_entry_id,omitempty"`
	Replayed      bool          `json:"replayed,omitempty"`

	mu    sync.Mutex
	state decisionState
}

// BeginFinalize claims the decision for commit or void. The claim must be
// confirmed or released so a failed void can be retried.
func (d *Decision) BeginFinalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != statePending {
		return ErrDecisionFinalized
	}
	d.state = stateCommitted
	return nil
}

func (d *Decision) ConfirmVoid() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateVoided
}

func (d *Decision) ReleaseFinalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = statePending
}

type AuthorizeRequest struct {
	OrgID          snowflake.ID
	UserID         string
	Feature        string
	Cost           int64
	IdempotencyKey string
}

// Service gates metered actions: subscription check, rate limit, then a
// pessimistic ledger debit, in that order, short-circuiting on first denial.
type Service interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Decision, error)
	Commit(ctx context.Context, decision *Decision) error
	Void(ctx context.Context, decision *Decision) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidCost         = errors.New("invalid_cost")
	ErrInvalidKey          = errors.New("invalid_idempotency_key")
	ErrKeyConflict         = errors.New("idempotency_key_conflict")
	ErrNilDecision         = errors.New("nil_decision")
	ErrDecisionNotAllowed  = errors.New("decision_not_allowed")
	ErrDecisionFinalized   = errors.New("decision_finalized")
)
