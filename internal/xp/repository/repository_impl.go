package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/xp/domain"
	"github.com/smallbiznis/questforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, trx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO xp_transactions (id, user_id, amount, source_type, source_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trx.ID,
		trx.UserID,
		trx.Amount,
		string(trx.SourceType),
		trx.SourceID,
		trx.Description,
		trx.CreatedAt,
	).Error
}

func (r *repo) FindTransactionBySource(ctx context.Context, db *gorm.DB, sourceType domain.SourceType, sourceID snowflake.ID) (*domain.Transaction, error) {
	var trx domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, amount, source_type, source_id, description, created_at
		 FROM xp_transactions
		 WHERE source_type = ? AND source_id = ?
		 ORDER BY created_at ASC LIMIT 1`,
		string(sourceType),
		sourceID,
	).Scan(&trx).Error
	if err != nil {
		return nil, err
	}
	if trx.ID == 0 {
		return nil, nil
	}
	return &trx, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID, page pagination.Pagination) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("user_id = ?", userID)

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	limit := page.PageSize
	if limit <= 0 {
		limit = 50
	}

	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit + 1).
		Find(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int, error) {
	var total int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM xp_transactions WHERE user_id = ?`,
		userID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) InsertAggregate(ctx context.Context, db *gorm.DB, agg *domain.LevelAggregate) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_level_aggregates (user_id, xp, level, last_notified_level, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		agg.UserID,
		agg.XP,
		agg.Level,
		agg.LastNotifiedLevel,
		agg.UpdatedAt,
	).Error
}

func (r *repo) FindAggregate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.LevelAggregate, error) {
	var agg domain.LevelAggregate
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, xp, level, last_notified_level, updated_at
		 FROM user_level_aggregates WHERE user_id = ?`,
		userID,
	).Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	if agg.UserID == 0 {
		return nil, nil
	}
	return &agg, nil
}

// UpdateAggregate applies an optimistic write guarded by the previous
// update timestamp; a zero rows-affected result means another writer won.
func (r *repo) UpdateAggregate(ctx context.Context, db *gorm.DB, agg *domain.LevelAggregate, expectedUpdatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE user_level_aggregates
		 SET xp = ?, level = ?, last_notified_level = ?, updated_at = ?
		 WHERE user_id = ? AND updated_at = ?`,
		agg.XP,
		agg.Level,
		agg.LastNotifiedLevel,
		agg.UpdatedAt,
		agg.UserID,
		expectedUpdatedAt,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) UpdateLastNotifiedLevel(ctx context.Context, db *gorm.DB, userID snowflake.ID, level int) error {
	return db.WithContext(ctx).Exec(
		`UPDATE user_level_aggregates
		 SET last_notified_level = ?
		 WHERE user_id = ? AND last_notified_level < ?`,
		level,
		userID,
		level,
	).Error
}
