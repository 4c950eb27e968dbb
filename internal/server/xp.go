package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	grantdomain "github.com/smallbiznis/questforge/internal/grant/domain"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
)

type grantXPRequest struct {
	UserID      snowflake.ID `json:"user_id"`
	Amount      int          `json:"amount"`
	SourceType  string       `json:"source_type"`
	SourceID    snowflake.ID `json:"source_id"`
	Description string       `json:"description"`
}

func (s *Server) GrantXP(c *gin.Context) {
	var req grantXPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.grantSvc.GrantXP(c.Request.Context(), grantdomain.GrantXPRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		SourceType:  xpdomain.SourceType(strings.ToUpper(strings.TrimSpace(req.SourceType))),
		SourceID:    req.SourceID,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type grantXPBatchRequest struct {
	Entries []grantXPRequest `json:"entries"`
}

func (s *Server) GrantXPBatch(c *gin.Context) {
	var req grantXPBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.Entries) == 0 {
		AbortWithError(c, newValidationError("entries", "invalid_entries", "at least one entry is required"))
		return
	}

	entries := make([]grantdomain.BatchEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		entries = append(entries, grantdomain.BatchEntry{
			UserID:      entry.UserID,
			Amount:      entry.Amount,
			SourceType:  xpdomain.SourceType(strings.ToUpper(strings.TrimSpace(entry.SourceType))),
			SourceID:    entry.SourceID,
			Description: strings.TrimSpace(entry.Description),
		})
	}

	resp, err := s.grantSvc.GrantXPBatch(c.Request.Context(), entries)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUserXP(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	agg, err := s.xpSvc.GetAggregate(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"aggregate": agg})
}

func (s *Server) ListUserXPTransactions(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.xpSvc.ListTransactions(c.Request.Context(), xpdomain.ListTransactionsRequest{
		UserID:    userID,
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  parsePageSize(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
