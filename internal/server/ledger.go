package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
)

func (s *Server) GetBalance(c *gin.Context) {
	orgID, err := snowflake.ParseString(c.Param("org_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"org_id":  orgID.String(),
		"balance": balance,
	})
}

func (s *Server) GetHistory(c *gin.Context) {
	orgID, err := snowflake.ParseString(c.Param("org_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := ledgerdomain.HistoryRequest{OrgID: orgID}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.Limit = limit
	}
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.Before = &before
	}

	entries, err := s.ledgerSvc.GetHistory(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
