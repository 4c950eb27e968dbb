package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
)

type GrantXPRequest struct {
	UserID      snowflake.ID
	Amount      int
	SourceType  xpdomain.SourceType
	SourceID    snowflake.ID
	Description string
}

type GrantXPResponse struct {
	Aggregate xpdomain.LevelAggregate `json:"aggregate"`
}

type MissionCompletionRequest struct {
	UserID        snowflake.ID
	MissionID     snowflake.ID
	AchievementID snowflake.ID
}

type MissionCompletionResponse struct {
	Aggregate xpdomain.LevelAggregate `json:"aggregate"`
	XPGranted int                     `json:"xp_granted"`
}

type RevokeMissionCompletionResponse struct {
	Aggregate xpdomain.LevelAggregate `json:"aggregate"`
	XPRevoked int                     `json:"xp_revoked"`
}

// BatchEntry is one row of a bulk backfill job.
type BatchEntry struct {
	UserID      snowflake.ID          `json:"user_id"`
	Amount      int                   `json:"amount"`
	SourceType  xpdomain.SourceType   `json:"source_type"`
	SourceID    snowflake.ID          `json:"source_id,omitempty"`
	Description string                `json:"description,omitempty"`
}

// BatchEntryResult reports one entry's outcome. Partial success is the
// expected mode for batches, not an exception.
type BatchEntryResult struct {
	Index     int                      `json:"index"`
	UserID    snowflake.ID             `json:"user_id"`
	Success   bool                     `json:"success"`
	Error     string                   `json:"error,omitempty"`
	Aggregate *xpdomain.LevelAggregate `json:"aggregate,omitempty"`
}

type BatchResponse struct {
	Results []BatchEntryResult `json:"results"`
}

// Service wraps the XP ledger with source-specific grant flows.
type Service interface {
	GrantXP(context.Context, GrantXPRequest) (GrantXPResponse, error)
	GrantMissionCompletionXP(context.Context, MissionCompletionRequest) (MissionCompletionResponse, error)
	RevokeMissionCompletionXP(ctx context.Context, achievementID snowflake.ID) (RevokeMissionCompletionResponse, error)
	GrantXPBatch(ctx context.Context, entries []BatchEntry) (BatchResponse, error)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidSourceType = errors.New("invalid_source_type")
	ErrUserNotFound      = errors.New("user_not_found")
	ErrMissionNotFound   = errors.New("mission_not_found")
	ErrGrantNotFound     = errors.New("grant_not_found")
)
