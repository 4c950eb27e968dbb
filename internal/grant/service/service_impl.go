package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/grant/domain"
	"github.com/smallbiznis/questforge/internal/leveling"
	"github.com/smallbiznis/questforge/internal/locks"
	missiondomain "github.com/smallbiznis/questforge/internal/mission/domain"
	obsmetrics "github.com/smallbiznis/questforge/internal/observability/metrics"
	userdomain "github.com/smallbiznis/questforge/internal/user/domain"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Difficulty tier to XP award. Unknown tiers fall back to the tier-1 award.
var difficultyXP = map[int]int{
	1: 50,
	2: 100,
	3: 200,
}

const defaultDifficultyXP = 50

// batchWorkers caps concurrent user groups in a batch; entries within one
// group stay ordered.
const batchWorkers = 8

const achievementLockTTL = 10 * time.Second

func xpForDifficulty(difficulty int) int {
	if xp, ok := difficultyXP[difficulty]; ok {
		return xp
	}
	return defaultDifficultyXP
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	XPSvc      xpdomain.Service
	XPRepo     xpdomain.Repository
	Catalog    missiondomain.Catalog
	Users      userdomain.Repository
	Locker     *locks.Locker       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	xpSvc      xpdomain.Service
	xpRepo     xpdomain.Repository
	catalog    missiondomain.Catalog
	users      userdomain.Repository
	locker     *locks.Locker
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("grant.service"),
		xpSvc:      p.XPSvc,
		xpRepo:     p.XPRepo,
		catalog:    p.Catalog,
		users:      p.Users,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}
}

// GrantXP applies a manual BONUS or PENALTY grant with a caller-supplied
// amount.
func (s *Service) GrantXP(ctx context.Context, req domain.GrantXPRequest) (domain.GrantXPResponse, error) {
	if req.UserID == 0 {
		return domain.GrantXPResponse{}, domain.ErrInvalidUser
	}
	switch req.SourceType {
	case xpdomain.SourceTypeBonus:
		if req.Amount <= 0 {
			return domain.GrantXPResponse{}, domain.ErrInvalidAmount
		}
	case xpdomain.SourceTypePenalty:
		if req.Amount >= 0 {
			return domain.GrantXPResponse{}, domain.ErrInvalidAmount
		}
	default:
		return domain.GrantXPResponse{}, domain.ErrInvalidSourceType
	}

	if err := s.ensureUser(ctx, req.UserID); err != nil {
		return domain.GrantXPResponse{}, err
	}

	resp, err := s.xpSvc.AppendTransaction(ctx, xpdomain.AppendTransactionRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
	})
	if err != nil {
		return domain.GrantXPResponse{}, err
	}

	s.recordLevelUps(ctx, resp.Aggregate, req.Amount)
	return domain.GrantXPResponse{Aggregate: resp.Aggregate}, nil
}

// GrantMissionCompletionXP awards XP for a completed mission, keyed by the
// achievement that recorded the completion. Granting twice for the same
// achievement is a no-op: the ledger's source uniqueness is authoritative
// and the duplicate is reported back as zero XP granted.
func (s *Service) GrantMissionCompletionXP(ctx context.Context, req domain.MissionCompletionRequest) (domain.MissionCompletionResponse, error) {
	if req.UserID == 0 || req.MissionID == 0 || req.AchievementID == 0 {
		return domain.MissionCompletionResponse{}, domain.ErrInvalidUser
	}

	if err := s.ensureUser(ctx, req.UserID); err != nil {
		return domain.MissionCompletionResponse{}, err
	}

	// Best-effort cross-instance guard; the unique source check inside the
	// ledger remains the deciding line when the lock is unavailable.
	if s.locker != nil {
		key := "xp:grant:achievement:" + req.AchievementID.String()
		if token, ok, err := s.locker.TryLock(ctx, key, achievementLockTTL); err == nil && ok {
			defer func() {
				if err := s.locker.Release(ctx, key, token); err != nil {
					s.log.Warn("failed to release achievement lock", zap.Error(err))
				}
			}()
		}
	}

	difficulty, err := s.catalog.GetDifficulty(ctx, s.db, req.MissionID)
	if err != nil {
		if err == missiondomain.ErrNotFound {
			return domain.MissionCompletionResponse{}, domain.ErrMissionNotFound
		}
		return domain.MissionCompletionResponse{}, err
	}
	amount := xpForDifficulty(difficulty)

	if err := s.xpSvc.EnsureAggregate(ctx, req.UserID); err != nil {
		return domain.MissionCompletionResponse{}, err
	}

	resp, err := s.xpSvc.AppendTransaction(ctx, xpdomain.AppendTransactionRequest{
		UserID:      req.UserID,
		Amount:      amount,
		SourceType:  xpdomain.SourceTypeMissionCompletion,
		SourceID:    req.AchievementID,
		Description: fmt.Sprintf("Mission completion (difficulty %d)", difficulty),
	})
	if err == xpdomain.ErrDuplicateSource {
		s.obsMetrics.RecordSuppressedGrant(ctx, string(xpdomain.SourceTypeMissionCompletion))
		agg, aggErr := s.xpSvc.GetAggregate(ctx, req.UserID)
		if aggErr != nil {
			return domain.MissionCompletionResponse{}, aggErr
		}
		return domain.MissionCompletionResponse{Aggregate: agg, XPGranted: 0}, nil
	}
	if err != nil {
		return domain.MissionCompletionResponse{}, err
	}

	s.recordLevelUps(ctx, resp.Aggregate, amount)
	return domain.MissionCompletionResponse{
		Aggregate: resp.Aggregate,
		XPGranted: amount,
	}, nil
}

// RevokeMissionCompletionXP reverses a prior mission grant by negating the
// amount actually recorded on the original transaction. Recomputing from
// the mission's current difficulty would drift if the difficulty changed
// after the grant, so the recorded amount wins. Revoking twice is a no-op.
func (s *Service) RevokeMissionCompletionXP(ctx context.Context, achievementID snowflake.ID) (domain.RevokeMissionCompletionResponse, error) {
	if achievementID == 0 {
		return domain.RevokeMissionCompletionResponse{}, domain.ErrGrantNotFound
	}

	original, err := s.xpRepo.FindTransactionBySource(ctx, s.db, xpdomain.SourceTypeMissionCompletion, achievementID)
	if err != nil {
		return domain.RevokeMissionCompletionResponse{}, err
	}
	if original == nil {
		return domain.RevokeMissionCompletionResponse{}, domain.ErrGrantNotFound
	}

	resp, err := s.xpSvc.AppendTransaction(ctx, xpdomain.AppendTransactionRequest{
		UserID:      original.UserID,
		Amount:      -original.Amount,
		SourceType:  xpdomain.SourceTypeMissionCancellation,
		SourceID:    achievementID,
		Description: "Mission completion revoked",
	})
	if err == xpdomain.ErrDuplicateSource {
		s.obsMetrics.RecordSuppressedGrant(ctx, string(xpdomain.SourceTypeMissionCancellation))
		agg, aggErr := s.xpSvc.GetAggregate(ctx, original.UserID)
		if aggErr != nil {
			return domain.RevokeMissionCompletionResponse{}, aggErr
		}
		return domain.RevokeMissionCompletionResponse{Aggregate: agg, XPRevoked: 0}, nil
	}
	if err != nil {
		return domain.RevokeMissionCompletionResponse{}, err
	}

	return domain.RevokeMissionCompletionResponse{
		Aggregate: resp.Aggregate,
		XPRevoked: original.Amount,
	}, nil
}

// GrantXPBatch applies a bulk backfill. Entries are grouped by user so the
// ledger's per-user serialization holds inside the batch; groups for
// different users run concurrently. Every entry reports its own outcome.
func (s *Service) GrantXPBatch(ctx context.Context, entries []domain.BatchEntry) (domain.BatchResponse, error) {
	results := make([]domain.BatchEntryResult, len(entries))

	groups := make(map[snowflake.ID][]int)
	for i, entry := range entries {
		results[i] = domain.BatchEntryResult{Index: i, UserID: entry.UserID}
		if entry.UserID == 0 {
			results[i].Error = domain.ErrInvalidUser.Error()
			s.obsMetrics.RecordBatchEntry(ctx, "error")
			continue
		}
		groups[entry.UserID] = append(groups[entry.UserID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)
	for userID, indexes := range groups {
		g.Go(func() error {
			s.applyBatchGroup(gctx, userID, indexes, entries, results)
			return nil
		})
	}
	// Workers record failures per entry and never return errors.
	_ = g.Wait()

	return domain.BatchResponse{Results: results}, nil
}

// applyBatchGroup processes one user's entries in order. Each index slot
// in results belongs to exactly one group, so writes are race-free.
func (s *Service) applyBatchGroup(ctx context.Context, userID snowflake.ID, indexes []int, entries []domain.BatchEntry, results []domain.BatchEntryResult) {
	exists, err := s.users.Exists(ctx, s.db, userID)
	if err == nil && !exists {
		err = domain.ErrUserNotFound
	}
	if err == nil {
		err = s.xpSvc.EnsureAggregate(ctx, userID)
	}
	if err != nil {
		for _, i := range indexes {
			results[i].Error = err.Error()
			s.obsMetrics.RecordBatchEntry(ctx, "error")
		}
		return
	}

	for _, i := range indexes {
		entry := entries[i]
		resp, err := s.xpSvc.AppendTransaction(ctx, xpdomain.AppendTransactionRequest{
			UserID:      entry.UserID,
			Amount:      entry.Amount,
			SourceType:  entry.SourceType,
			SourceID:    entry.SourceID,
			Description: entry.Description,
		})
		if err != nil {
			results[i].Error = err.Error()
			s.obsMetrics.RecordBatchEntry(ctx, "error")
			continue
		}
		agg := resp.Aggregate
		results[i].Success = true
		results[i].Aggregate = &agg
		s.obsMetrics.RecordBatchEntry(ctx, "success")
	}
}

func (s *Service) ensureUser(ctx context.Context, userID snowflake.ID) error {
	exists, err := s.users.Exists(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrUserNotFound
	}
	return s.xpSvc.EnsureAggregate(ctx, userID)
}

func (s *Service) recordLevelUps(ctx context.Context, agg xpdomain.LevelAggregate, amount int) {
	before := leveling.CalculateLevel(agg.XP - amount)
	if levels := agg.Level - before; levels > 0 {
		s.obsMetrics.RecordLevelUp(ctx, levels)
	}
}
