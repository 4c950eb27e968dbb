package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/clock"
	"github.com/smallbiznis/questforge/internal/leveling"
	obsmetrics "github.com/smallbiznis/questforge/internal/observability/metrics"
	"github.com/smallbiznis/questforge/internal/xp/domain"
	"github.com/smallbiznis/questforge/pkg/db"
	"github.com/smallbiznis/questforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// appendRetries bounds the optimistic retry loop. The per-user lock makes
// retries rare in a single process; the guard matters when several
// instances write the same aggregate.
const appendRetries = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
	userLocks  *userLocks
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("xp.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		userLocks:  newUserLocks(),
	}
}

// AppendTransaction inserts the ledger row and rolls the aggregate forward
// in one database transaction. The invocation is serialized against other
// writers for the same user; see userLocks and the updated_at predicate.
func (s *Service) AppendTransaction(ctx context.Context, req domain.AppendTransactionRequest) (domain.AppendTransactionResponse, error) {
	if req.UserID == 0 {
		return domain.AppendTransactionResponse{}, domain.ErrInvalidUser
	}
	if req.Amount == 0 {
		return domain.AppendTransactionResponse{}, domain.ErrInvalidAmount
	}
	if !req.SourceType.Valid() {
		return domain.AppendTransactionResponse{}, domain.ErrInvalidSourceType
	}

	release := s.userLocks.Acquire(req.UserID)
	defer release()

	var resp domain.AppendTransactionResponse
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		resp, err = s.appendOnce(ctx, req)
		if err != domain.ErrConcurrentUpdate {
			break
		}
		s.log.Warn("aggregate write lost the race, retrying",
			zap.String("user_id", req.UserID.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return domain.AppendTransactionResponse{}, err
	}

	s.obsMetrics.RecordGrant(ctx, string(req.SourceType))
	return resp, nil
}

func (s *Service) appendOnce(ctx context.Context, req domain.AppendTransactionRequest) (domain.AppendTransactionResponse, error) {
	var resp domain.AppendTransactionResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.SourceID != 0 && req.SourceType.RequiresUniqueSource() {
			existing, err := s.repo.FindTransactionBySource(ctx, tx, req.SourceType, req.SourceID)
			if err != nil {
				return err
			}
			if existing != nil {
				return domain.ErrDuplicateSource
			}
		}

		agg, err := s.repo.FindAggregate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if agg == nil {
			return domain.ErrAggregateNotFound
		}

		now := s.clock.Now()
		trx := domain.Transaction{
			ID:          s.genID.Generate(),
			UserID:      req.UserID,
			Amount:      req.Amount,
			SourceType:  req.SourceType,
			SourceID:    req.SourceID,
			Description: req.Description,
			CreatedAt:   now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, &trx); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateSource
			}
			return err
		}

		expectedUpdatedAt := agg.UpdatedAt
		agg.XP += req.Amount
		agg.Level = leveling.CalculateLevel(agg.XP)
		agg.UpdatedAt = now

		rows, err := s.repo.UpdateAggregate(ctx, tx, agg, expectedUpdatedAt)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrConcurrentUpdate
		}

		resp = domain.AppendTransactionResponse{
			Aggregate:   *agg,
			Transaction: trx,
		}
		return nil
	})
	if err != nil {
		return domain.AppendTransactionResponse{}, err
	}
	return resp, nil
}

// EnsureAggregate lazily creates the fresh aggregate (xp=0, level=1).
// Safe to call repeatedly; the insert is a no-op once the row exists.
func (s *Service) EnsureAggregate(ctx context.Context, userID snowflake.ID) error {
	if userID == 0 {
		return domain.ErrInvalidUser
	}
	return s.repo.InsertAggregate(ctx, s.db, &domain.LevelAggregate{
		UserID:            userID,
		XP:                0,
		Level:             1,
		LastNotifiedLevel: 1,
		UpdatedAt:         s.clock.Now(),
	})
}

func (s *Service) GetAggregate(ctx context.Context, userID snowflake.ID) (domain.LevelAggregate, error) {
	if userID == 0 {
		return domain.LevelAggregate{}, domain.ErrInvalidUser
	}
	agg, err := s.repo.FindAggregate(ctx, s.db, userID)
	if err != nil {
		return domain.LevelAggregate{}, err
	}
	if agg == nil {
		return domain.LevelAggregate{}, domain.ErrAggregateNotFound
	}
	return *agg, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	if req.UserID == 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.ListTransactions(ctx, s.db, req.UserID, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(trx *domain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        trx.ID.String(),
			CreatedAt: trx.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	transactions := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := domain.ListTransactionsResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// MarkLevelNotified advances the high-water mark of levels the user has
// acknowledged a level-up dialog for. It never moves backwards and never
// past the user's current level.
func (s *Service) MarkLevelNotified(ctx context.Context, userID snowflake.ID, level int) (domain.LevelAggregate, error) {
	if userID == 0 {
		return domain.LevelAggregate{}, domain.ErrInvalidUser
	}
	if level < 1 {
		return domain.LevelAggregate{}, domain.ErrInvalidLevel
	}

	release := s.userLocks.Acquire(userID)
	defer release()

	agg, err := s.repo.FindAggregate(ctx, s.db, userID)
	if err != nil {
		return domain.LevelAggregate{}, err
	}
	if agg == nil {
		return domain.LevelAggregate{}, domain.ErrAggregateNotFound
	}

	if level > agg.Level {
		level = agg.Level
	}
	if level > agg.LastNotifiedLevel {
		if err := s.repo.UpdateLastNotifiedLevel(ctx, s.db, userID, level); err != nil {
			return domain.LevelAggregate{}, err
		}
		agg.LastNotifiedLevel = level
	}
	return *agg, nil
}

// Reconcile recomputes the aggregate from the ledger sum. Divergence is a
// defect, not a valid state; this repairs it and reports the repaired row.
func (s *Service) Reconcile(ctx context.Context, userID snowflake.ID) (domain.LevelAggregate, error) {
	if userID == 0 {
		return domain.LevelAggregate{}, domain.ErrInvalidUser
	}

	release := s.userLocks.Acquire(userID)
	defer release()

	var out domain.LevelAggregate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agg, err := s.repo.FindAggregate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if agg == nil {
			return domain.ErrAggregateNotFound
		}

		total, err := s.repo.SumTransactions(ctx, tx, userID)
		if err != nil {
			return err
		}

		level := leveling.CalculateLevel(total)
		if agg.XP != total || agg.Level != level {
			s.log.Warn("aggregate diverged from ledger sum",
				zap.String("user_id", userID.String()),
				zap.Int("aggregate_xp", agg.XP),
				zap.Int("ledger_xp", total),
			)
			expectedUpdatedAt := agg.UpdatedAt
			agg.XP = total
			agg.Level = level
			agg.UpdatedAt = s.clock.Now()
			rows, err := s.repo.UpdateAggregate(ctx, tx, agg, expectedUpdatedAt)
			if err != nil {
				return err
			}
			if rows == 0 {
				return domain.ErrConcurrentUpdate
			}
		}
		out = *agg
		return nil
	})
	if err != nil {
		return domain.LevelAggregate{}, err
	}
	return out, nil
}
