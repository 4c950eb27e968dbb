package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Difficulty tiers are 1..3; anything else maps to the default XP award.
type Mission struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Title      string       `gorm:"not null" json:"title"`
	Difficulty int          `gorm:"not null;default:1" json:"difficulty"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Mission) TableName() string { return "missions" }
