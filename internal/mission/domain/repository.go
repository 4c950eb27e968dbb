package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Catalog is the read surface the grant orchestrator consumes. Mission
// authoring lives elsewhere; the XP subsystem only asks for difficulty.
type Catalog interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Mission, error)
	GetDifficulty(ctx context.Context, db *gorm.DB, id snowflake.ID) (int, error)
}

var ErrNotFound = errors.New("mission_not_found")
