package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertTransaction(ctx context.Context, db *gorm.DB, trx *Transaction) error
	FindTransactionBySource(ctx context.Context, db *gorm.DB, sourceType SourceType, sourceID snowflake.ID) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*Transaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int, error)

	InsertAggregate(ctx context.Context, db *gorm.DB, agg *LevelAggregate) error
	FindAggregate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*LevelAggregate, error)
	UpdateAggregate(ctx context.Context, db *gorm.DB, agg *LevelAggregate, expectedUpdatedAt time.Time) (int64, error)
	UpdateLastNotifiedLevel(ctx context.Context, db *gorm.DB, userID snowflake.ID, level int) error
}
