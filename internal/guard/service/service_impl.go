package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/ledgerguard/internal/cache"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/ledgerguard/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const decisionCacheTTL = 5 * time.Minute

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	SubSvc     subscriptiondomain.Service
	Limiter    *ratelimit.FixedWindowLimiter
	Limits     config.LimitsConfig
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	limiter    *ratelimit.FixedWindowLimiter
	policy     config.LedgerPolicy
	obsMetrics *obsmetrics.Metrics

	// decisions holds recently granted decisions keyed by (org, idempotency
	// key) so a retried authorize neither re-increments the limiter nor
	// re-runs the checks.
	decisions cache.Cache[string, *guarddomain.Decision]
}

func NewService(p Params) guarddomain.Service {
	return &Service{
		log:        p.Log.Named("billing.guard"),
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubSvc,
		limiter:    p.Limiter,
		policy:     p.Limits.Ledger,
		obsMetrics: p.ObsMetrics,
		decisions:  cache.NewTTLCache[string, *guarddomain.Decision](p.Clock),
	}
}

func (s *Service) Authorize(ctx context.Context, req guarddomain.AuthorizeRequest) (*guarddomain.Decision, error) {
	if req.OrgID == 0 {
		return nil, guarddomain.ErrInvalidOrganization
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, guarddomain.ErrInvalidUser
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return nil, guarddomain.ErrInvalidFeature
	}
	if req.Cost <= 0 {
		return nil, guarddomain.ErrInvalidCost
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, guarddomain.ErrInvalidKey
	}

	cacheKey := req.OrgID.String() + "|" + key
	if cached, ok := s.decisions.Get(cacheKey); ok {
		if cached.Cost != req.Cost {
			return nil, guarddomain.ErrKeyConflict
		}
		return cached, nil
	}

	// A retried key whose debit already landed must not hit the limiter a
	// second time: the rate-limit check and the debit are one logical
	// attempt under the idempotency key.
	existing, err := s.ledgerSvc.FindByIdempotencyKey(ctx, req.OrgID, key)
	if err != nil {
		return s.deny(req, userID, feature, key, guarddomain.ReasonStoreUnavailable, 0), nil
	}
	if existing != nil {
		// Only an entry that is the debit for this exact request replays as
		// an allowed decision. Anything else under the key (a refund credit,
		// a different cost) is a key collision, not a retry.
		if existing.Delta != -req.Cost {
			return nil, guarddomain.ErrKeyConflict
		}
		decision := s.allow(req, userID, feature, key, existing.ID, true)
		s.decisions.Set(cacheKey, decision, decisionCacheTTL)
		return decision, nil
	}

	active, err := s.subSvc.IsActive(ctx, req.OrgID)
	if err != nil {
		s.log.Warn("subscription check failed", zap.String("org_id", req.OrgID.String()), zap.Error(err))
		return s.deny(req, userID, feature, key, guarddomain.ReasonStoreUnavailable, 0), nil
	}
	if !active {
		return s.deny(req, userID, feature, key, guarddomain.ReasonSubscriptionRequired, 0), nil
	}

	limit, err := s.limiter.Check(ctx, feature, userID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownFeature) {
			// Caller error, fail closed rather than default to unlimited.
			return nil, err
		}
		s.log.Warn("rate limit check failed", zap.String("feature", feature), zap.Error(err))
		return s.deny(req, userID, feature, key, guarddomain.ReasonStoreUnavailable, 0), nil
	}
	if !limit.Allowed {
		return s.deny(req, userID, feature, key, guarddomain.ReasonRateLimitExceeded, limit.RetryAfter), nil
	}

	entry, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          req.OrgID,
		Delta:          -req.Cost,
		Reason:         "feature:" + feature,
		IdempotencyKey: key,
		Metadata: map[string]any{
			"user_id": userID,
			"feature": feature,
		},
		AllowOverdraft: s.policy.AllowsOverdraft(feature),
	})
	if err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
			return s.deny(req, userID, feature, key, guarddomain.ReasonInsufficientBalance, 0), nil
		case errors.Is(err, ledgerdomain.ErrWriteConflict):
			return s.deny(req, userID, feature, key, guarddomain.ReasonWriteConflict, 0), nil
		case errors.Is(err, ledgerdomain.ErrStoreUnavailable):
			return s.deny(req, userID, feature, key, guarddomain.ReasonStoreUnavailable, 0), nil
		default:
			return nil, err
		}
	}

	decision := s.allow(req, userID, feature, key, entry.ID, false)
	s.decisions.Set(cacheKey, decision, decisionCacheTTL)
	return decision, nil
}

// Commit finalizes an allowed decision. The debit already happened at
// authorize time; this is the audit and metrics hook.
func (s *Service) Commit(ctx context.Context, decision *guarddomain.Decision) error {
	_ = ctx
	if decision == nil {
		return guarddomain.ErrNilDecision
	}
	if !decision.Allowed {
		return guarddomain.ErrDecisionNotAllowed
	}
	if err := decision.BeginFinalize(); err != nil {
		return err
	}

	s.obsMetrics.RecordGuardDecision("committed")
	s.log.Info("metered action committed",
		zap.String("org_id", decision.OrgID.String()),
		zap.String("user_id", decision.UserID),
		zap.String("feature", decision.Feature),
		zap.Int64("cost", decision.Cost),
		zap.String("ledger_entry_id", decision.LedgerEntryID.String()),
	)
	return nil
}

// Void reverses an allowed decision by appending a compensating credit. The
// original entry is never mutated.
func (s *Service) Void(ctx context.Context, decision *guarddomain.Decision) error {
	if decision == nil {
		return guarddomain.ErrNilDecision
	}
	if !decision.Allowed {
		return guarddomain.ErrDecisionNotAllowed
	}
	if err := decision.BeginFinalize(); err != nil {
		return err
	}

	_, err := s.ledgerSvc.Append(ctx, ledgerdomain.AppendRequest{
		OrgID:          decision.OrgID,
		Delta:          decision.Cost,
		Reason:         "refund:" + decision.IdempotencyKey,
		IdempotencyKey: "refund:" + decision.IdempotencyKey,
		Metadata: map[string]any{
			"user_id":  decision.UserID,
			"feature":  decision.Feature,
			"original": decision.LedgerEntryID.String(),
		},
		AllowOverdraft: true,
	})
	if err != nil {
		// Leave the decision pending so the caller can retry the void; the
		// refund key keeps the retry idempotent.
		decision.ReleaseFinalize()
		return err
	}
	decision.ConfirmVoid()

	s.obsMetrics.RecordGuardDecision("voided")
	s.log.Info("metered action voided",
		zap.String("org_id", decision.OrgID.String()),
		zap.String("feature", decision.Feature),
		zap.Int64("cost", decision.Cost),
		zap.String("ledger_entry_id", decision.LedgerEntryID.String()),
	)
	return nil
}

func (s *Service) allow(req guarddomain.AuthorizeRequest, userID, feature, key string, entryID snowflake.ID, replayed bool) *guarddomain.Decision {
	s.obsMetrics.RecordGuardDecision(string(guarddomain.ReasonAllowed))
	return &guarddomain.Decision{
		ID:             uuid.NewString(),
		OrgID:          req.OrgID,
		UserID:         userID,
		Feature:        feature,
		Cost:           req.Cost,
		IdempotencyKey: key,
		Allowed:        true,
		Reason:         guarddomain.ReasonAllowed,
		LedgerEntryID:  entryID,
		Replayed:       replayed,
	}
}

func (s *Service) deny(req guarddomain.AuthorizeRequest, userID, feature, key string, reason guarddomain.Reason, retryAfter time.Duration) *guarddomain.Decision {
	s.obsMetrics.RecordGuardDecision(string(reason))
	return &guarddomain.Decision{
		ID:             uuid.NewString(),
		OrgID:          req.OrgID,
		UserID:         userID,
		Feature:        feature,
		Cost:           req.Cost,
		IdempotencyKey: key,
		Allowed:        false,
		Reason:         reason,
		RetryAfter:     retryAfter,
	}
}
