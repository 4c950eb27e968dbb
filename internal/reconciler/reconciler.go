package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/clock"
	"github.com/smallbiznis/questforge/internal/locks"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_reconciler_config")

const leaderLockKey = "xp:reconciler:leader"

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	XPSvc  xpdomain.Service
	Locker *locks.Locker `optional:"true"`
	Config Config        `optional:"true"`
}

// Reconciler periodically recomputes every user's aggregate from the
// ledger sum. Divergence should never happen; the sweep is the safety
// net that repairs it and makes it visible when it does.
type Reconciler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	xpSvc  xpdomain.Service
	locker *locks.Locker
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.XPSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Reconciler{
		db:     p.DB,
		log:    p.Log.Named("reconciler").With(zap.String("component", "reconciler")),
		cfg:    p.Config.withDefaults(),
		clock:  p.Clock,
		xpSvc:  p.XPSvc,
		locker: p.Locker,
	}, nil
}

// RunForever sweeps on the configured interval until ctx is canceled.
func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce walks all aggregates in batches and reconciles each against
// the ledger. When several instances run, the redis lock elects one
// sweeper per interval; losing the election is not an error.
func (r *Reconciler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, r.cfg.JobTimeout)
	defer cancel()

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, leaderLockKey, r.cfg.RunInterval)
		if err != nil {
			r.log.Warn("leader lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := r.locker.Release(ctx, leaderLockKey, token); err != nil {
					r.log.Warn("failed to release leader lock", zap.Error(err))
				}
			}()
		}
	}

	start := r.clock.Now()
	var swept, repaired int
	var afterUserID snowflake.ID

	for {
		userIDs, err := r.nextBatch(ctx, afterUserID)
		if err != nil {
			return fmt.Errorf("list aggregates: %w", err)
		}
		if len(userIDs) == 0 {
			break
		}

		for _, userID := range userIDs {
			before, err := r.xpSvc.GetAggregate(ctx, userID)
			if err != nil {
				r.log.Warn("skipping aggregate",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
				continue
			}
			after, err := r.xpSvc.Reconcile(ctx, userID)
			if err != nil {
				r.log.Warn("reconcile failed",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
				continue
			}
			swept++
			if before.XP != after.XP || before.Level != after.Level {
				repaired++
			}
		}
		afterUserID = userIDs[len(userIDs)-1]
	}

	r.log.Info("reconciliation sweep finished",
		zap.Int("swept", swept),
		zap.Int("repaired", repaired),
		zap.Duration("took", r.clock.Now().Sub(start)),
	)
	return nil
}

func (r *Reconciler) nextBatch(ctx context.Context, afterUserID snowflake.ID) ([]snowflake.ID, error) {
	var userIDs []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id FROM user_level_aggregates WHERE user_id > ? ORDER BY user_id ASC LIMIT ?`,
		afterUserID,
		r.cfg.BatchSize,
	).Scan(&userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}
