package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "resource not found"}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, guarddomain.ErrInvalidOrganization),
		errors.Is(err, guarddomain.ErrInvalidUser),
		errors.Is(err, guarddomain.ErrInvalidFeature),
		errors.Is(err, guarddomain.ErrInvalidCost),
		errors.Is(err, guarddomain.ErrInvalidKey),
		errors.Is(err, ledgerdomain.ErrInvalidOrganization):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, ratelimit.ErrUnknownFeature):
		return http.StatusBadRequest, errorPayload{Type: "unknown_feature", Message: "feature is not configured for metering"}
	case errors.Is(err, guarddomain.ErrKeyConflict):
		return http.StatusConflict, errorPayload{Type: "idempotency_key_conflict", Message: "idempotency key was already used for a different request"}
	case errors.Is(err, guarddomain.ErrDecisionFinalized):
		return http.StatusConflict, errorPayload{Type: "decision_finalized", Message: "decision was already committed or voided"}
	case errors.Is(err, guarddomain.ErrDecisionNotAllowed):
		return http.StatusConflict, errorPayload{Type: "decision_not_allowed", Message: "only allowed decisions can be committed or voided"}
	case errors.Is(err, ledgerdomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "store_unavailable", Message: "ledger store is unavailable, try again later"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
