package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	grantdomain "github.com/smallbiznis/questforge/internal/grant/domain"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	"go.uber.org/zap"
)

type completeMissionRequest struct {
	UserID        snowflake.ID `json:"user_id"`
	AchievementID snowflake.ID `json:"achievement_id"`
}

type completeMissionResponse struct {
	Completed     bool                     `json:"completed"`
	AchievementID snowflake.ID             `json:"achievement_id"`
	XPGranted     int                      `json:"xp_granted"`
	Aggregate     *xpdomain.LevelAggregate `json:"aggregate,omitempty"`
	XPError       string                   `json:"xp_error,omitempty"`
}

// CompleteMission records a mission completion and awards its XP. An XP
// failure is reported in the response but does not fail the completion;
// the ledger can be repaired later while the completion itself stands.
func (s *Server) CompleteMission(c *gin.Context) {
	missionID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req completeMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.UserID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "missing user id"))
		return
	}

	achievementID := req.AchievementID
	if achievementID == 0 {
		achievementID = s.genID.Generate()
	}

	resp, err := s.grantSvc.GrantMissionCompletionXP(c.Request.Context(), grantdomain.MissionCompletionRequest{
		UserID:        req.UserID,
		MissionID:     missionID,
		AchievementID: achievementID,
	})
	if err != nil {
		// Unknown user or mission means the completion itself is bogus.
		if err == grantdomain.ErrUserNotFound || err == grantdomain.ErrMissionNotFound {
			AbortWithError(c, err)
			return
		}
		s.log.Error("mission completion XP grant failed",
			zap.String("user_id", req.UserID.String()),
			zap.String("mission_id", missionID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, completeMissionResponse{
			Completed:     true,
			AchievementID: achievementID,
			XPError:       err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, completeMissionResponse{
		Completed:     true,
		AchievementID: achievementID,
		XPGranted:     resp.XPGranted,
		Aggregate:     &resp.Aggregate,
	})
}

func (s *Server) RevokeMissionCompletion(c *gin.Context) {
	achievementID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.grantSvc.RevokeMissionCompletionXP(c.Request.Context(), achievementID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
