package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type demoUser struct {
	id   snowflake.ID
	name string
}

type demoMission struct {
	id         snowflake.ID
	title      string
	difficulty int
}

// Fixed ids keep reseeding idempotent across restarts.
var (
	demoUsers = []demoUser{
		{id: 1, name: "Demo Scout"},
		{id: 2, name: "Demo Ranger"},
		{id: 3, name: "Demo Captain"},
	}
	demoMissions = []demoMission{
		{id: 101, title: "First Steps", difficulty: 1},
		{id: 102, title: "Into the Wild", difficulty: 2},
		{id: 103, title: "The Long Haul", difficulty: 3},
	}
)

// EnsureDemoData seeds a handful of users and missions so a fresh local
// instance has something to grant against. Inserts are no-ops once the
// rows exist.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, user := range demoUsers {
			if err := tx.Exec(
				`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				user.id, user.name, now,
			).Error; err != nil {
				return err
			}
			if err := tx.Exec(
				`INSERT INTO user_level_aggregates (user_id, xp, level, last_notified_level, updated_at)
				 VALUES (?, 0, 1, 1, ?)
				 ON CONFLICT (user_id) DO NOTHING`,
				user.id, now,
			).Error; err != nil {
				return err
			}
		}
		for _, mission := range demoMissions {
			if err := tx.Exec(
				`INSERT INTO missions (id, title, difficulty, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (id) DO NOTHING`,
				mission.id, mission.title, mission.difficulty, now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
