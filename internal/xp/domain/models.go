package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SourceType classifies why a ledger entry exists.
type SourceType string

const (
	SourceTypeMissionCompletion   SourceType = "MISSION_COMPLETION"
	SourceTypeBonus               SourceType = "BONUS"
	SourceTypePenalty             SourceType = "PENALTY"
	SourceTypeMissionCancellation SourceType = "MISSION_CANCELLATION"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeMissionCompletion, SourceTypeBonus, SourceTypePenalty, SourceTypeMissionCancellation:
		return true
	default:
		return false
	}
}

// RequiresUniqueSource reports whether (source_type, source_id) acts as a
// uniqueness key for this type. Mission-scoped entries must never be
// recorded twice for the same achievement.
func (s SourceType) RequiresUniqueSource() bool {
	return s == SourceTypeMissionCompletion || s == SourceTypeMissionCancellation
}

// Transaction is an immutable ledger entry. Once created it is never
// mutated or deleted; it is the audit trail of record.
type Transaction struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID      snowflake.ID `gorm:"not null;index" json:"user_id"`
	Amount      int          `gorm:"not null" json:"amount"`
	SourceType  SourceType   `gorm:"type:text;not null;index:ix_xp_transactions_source,priority:1" json:"source_type"`
	SourceID    snowflake.ID `gorm:"index:ix_xp_transactions_source,priority:2" json:"source_id,omitempty"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "xp_transactions" }

// LevelAggregate is the cached per-user projection of the ledger. The
// ledger is the source of truth; in steady state XP equals the sum of all
// transaction amounts for the user and Level is derived from XP.
type LevelAggregate struct {
	UserID            snowflake.ID `gorm:"primaryKey" json:"user_id"`
	XP                int          `gorm:"column:xp;not null" json:"xp"`
	Level             int          `gorm:"not null" json:"level"`
	LastNotifiedLevel int          `gorm:"not null;default:1" json:"last_notified_level"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (LevelAggregate) TableName() string { return "user_level_aggregates" }
