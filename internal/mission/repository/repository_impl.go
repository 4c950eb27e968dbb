package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/mission/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Catalog {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Mission, error) {
	var mission domain.Mission
	err := db.WithContext(ctx).Raw(
		`SELECT id, title, difficulty, created_at FROM missions WHERE id = ?`,
		id,
	).Scan(&mission).Error
	if err != nil {
		return nil, err
	}
	if mission.ID == 0 {
		return nil, nil
	}
	return &mission, nil
}

func (r *repo) GetDifficulty(ctx context.Context, db *gorm.DB, id snowflake.ID) (int, error) {
	mission, err := r.FindByID(ctx, db, id)
	if err != nil {
		return 0, err
	}
	if mission == nil {
		return 0, domain.ErrNotFound
	}
	return mission.Difficulty, nil
}
