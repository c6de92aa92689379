package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
)

type authorizeRequest struct {
	OrgID          string `json:"org_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	Feature        string `json:"feature" binding:"required"`
	Cost           int64  `json:"cost" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

type decisionResponse struct {
	ID            string `json:"id"`
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
	LedgerEntryID string `json:"ledger_entry_id,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// Each denial reason maps to its own status and message so callers can show
// the right remediation, never a generic error.
func decisionStatus(reason guarddomain.Reason) (int, string) {
	switch reason {
	case guarddomain.ReasonSubscriptionRequired:
		return http.StatusForbidden, "an active subscription is required for this feature"
	case guarddomain.ReasonRateLimitExceeded:
		return http.StatusTooManyRequests, "rate limit exceeded, retry after the window resets"
	case guarddomain.ReasonInsufficientBalance:
		return http.StatusPaymentRequired, "balance is insufficient for this action"
	case guarddomain.ReasonWriteConflict:
		return http.StatusConflict, "ledger write conflict, retry the request"
	case guarddomain.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable, "metering backend is degraded, try again later"
	default:
		return http.StatusOK, ""
	}
}

func (s *Server) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	decision, err := s.guardSvc.Authorize(c.Request.Context(), guarddomain.AuthorizeRequest{
		OrgID:          orgID,
		UserID:         req.UserID,
		Feature:        req.Feature,
		Cost:           req.Cost,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body := decisionResponse{
		ID:       decision.ID,
		Allowed:  decision.Allowed,
		Reason:   string(decision.Reason),
		Replayed: decision.Replayed,
	}
	if decision.Allowed {
		s.decisions.Set(decision.ID, decision, decisionRegistryTTL)
		body.LedgerEntryID = decision.LedgerEntryID.String()
		c.JSON(http.StatusOK, body)
		return
	}

	status, message := decisionStatus(decision.Reason)
	if decision.RetryAfter > 0 {
		body.RetryAfterMS = decision.RetryAfter.Milliseconds()
		c.Header("Retry-After", strconv.FormatInt(int64(decision.RetryAfter.Seconds()+1), 10))
	}
	c.JSON(status, gin.H{"decision": body, "message": message})
}

func (s *Server) CommitDecision(c *gin.Context) {
	decision, ok := s.decisions.Get(c.Param("id"))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	if err := s.guardSvc.Commit(c.Request.Context(), decision); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) VoidDecision(c *gin.Context) {
	decision, ok := s.decisions.Get(c.Param("id"))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	if err := s.guardSvc.Void(c.Request.Context(), decision); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
