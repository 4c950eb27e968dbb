package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	Exists(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
}

var ErrNotFound = errors.New("user_not_found")
