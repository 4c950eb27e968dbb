package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/questforge/internal/clock"
	"github.com/smallbiznis/questforge/internal/xp/domain"
	"github.com/smallbiznis/questforge/internal/xp/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&domain.Transaction{},
		&domain.LevelAggregate{},
	))
	return gdb
}

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	gdb := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, fake, gdb
}

func TestAppendTransaction(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(1001)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	resp, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     50,
		SourceType: domain.SourceTypeBonus,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, resp.Aggregate.XP)
	assert.Equal(t, 2, resp.Aggregate.Level) // threshold for level 2 is 40
	assert.Equal(t, 50, resp.Transaction.Amount)
	assert.NotZero(t, resp.Transaction.ID)

	fake.Advance(time.Second)
	resp, err = svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     45,
		SourceType: domain.SourceTypeBonus,
	})
	require.NoError(t, err)
	assert.Equal(t, 95, resp.Aggregate.XP)
	assert.Equal(t, 3, resp.Aggregate.Level)
}

func TestAppendTransactionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.AppendTransactionRequest
		want error
	}{
		{
			name: "missing user",
			req:  domain.AppendTransactionRequest{Amount: 10, SourceType: domain.SourceTypeBonus},
			want: domain.ErrInvalidUser,
		},
		{
			name: "zero amount",
			req:  domain.AppendTransactionRequest{UserID: 1, SourceType: domain.SourceTypeBonus},
			want: domain.ErrInvalidAmount,
		},
		{
			name: "unknown source type",
			req:  domain.AppendTransactionRequest{UserID: 1, Amount: 10, SourceType: "LOOT_DROP"},
			want: domain.ErrInvalidSourceType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AppendTransaction(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAppendTransactionRequiresAggregate(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AppendTransaction(context.Background(), domain.AppendTransactionRequest{
		UserID:     42,
		Amount:     10,
		SourceType: domain.SourceTypeBonus,
	})
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
}

func TestAppendTransactionNegativeFloorsAtLevelOne(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(7)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	resp, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     -500,
		SourceType: domain.SourceTypePenalty,
	})
	require.NoError(t, err)
	assert.Equal(t, -500, resp.Aggregate.XP)
	assert.Equal(t, 1, resp.Aggregate.Level)
}

func TestAppendTransactionDuplicateSource(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(55)
	achievementID := snowflake.ID(9001)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	req := domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     100,
		SourceType: domain.SourceTypeMissionCompletion,
		SourceID:   achievementID,
	}
	_, err := svc.AppendTransaction(ctx, req)
	require.NoError(t, err)

	_, err = svc.AppendTransaction(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateSource)

	// The duplicate must not have touched the aggregate.
	agg, err := svc.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 100, agg.XP)
}

func TestAppendTransactionBonusSourceNotUnique(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(56)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	// BONUS grants may share a source id; only mission-scoped types dedupe.
	req := domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     10,
		SourceType: domain.SourceTypeBonus,
		SourceID:   snowflake.ID(777),
	}
	_, err := svc.AppendTransaction(ctx, req)
	require.NoError(t, err)
	_, err = svc.AppendTransaction(ctx, req)
	require.NoError(t, err)

	agg, err := svc.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 20, agg.XP)
}

func TestAppendTransactionConcurrent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(200)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	const writers = 20
	const amount = 7

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
				UserID:     userID,
				Amount:     amount,
				SourceType: domain.SourceTypeBonus,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg, err := svc.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, writers*amount, agg.XP)

	list, err := svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: userID, PageSize: writers + 1})
	require.NoError(t, err)
	assert.Len(t, list.Transactions, writers)
}

func TestEnsureAggregateIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(300)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	_, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     60,
		SourceType: domain.SourceTypeBonus,
	})
	require.NoError(t, err)

	// A second ensure must not reset accumulated progress.
	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	agg, err := svc.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 60, agg.XP)
	assert.Equal(t, 2, agg.Level)
}

func TestGetAggregateNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetAggregate(context.Background(), snowflake.ID(404))
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
}

func TestListTransactionsPagination(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(500)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))

	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		_, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
			UserID:     userID,
			Amount:     10 + i,
			SourceType: domain.SourceTypeBonus,
		})
		require.NoError(t, err)
	}

	first, err := svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: userID, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	// Newest first.
	assert.Equal(t, 14, first.Transactions[0].Amount)

	second, err := svc.ListTransactions(ctx, domain.ListTransactionsRequest{
		UserID:    userID,
		PageSize:  3,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)
	assert.Equal(t, 10, second.Transactions[1].Amount)
}

func TestMarkLevelNotified(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(600)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))
	_, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     250, // level 5
		SourceType: domain.SourceTypeBonus,
	})
	require.NoError(t, err)

	agg, err := svc.MarkLevelNotified(ctx, userID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.LastNotifiedLevel)

	// Never moves backwards.
	agg, err = svc.MarkLevelNotified(ctx, userID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.LastNotifiedLevel)

	// Clamped at the current level.
	agg, err = svc.MarkLevelNotified(ctx, userID, 99)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.LastNotifiedLevel)

	_, err = svc.MarkLevelNotified(ctx, userID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidLevel)
}

func TestReconcileRepairsDriftedAggregate(t *testing.T) {
	svc, _, gdb := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(700)

	require.NoError(t, svc.EnsureAggregate(ctx, userID))
	_, err := svc.AppendTransaction(ctx, domain.AppendTransactionRequest{
		UserID:     userID,
		Amount:     95,
		SourceType: domain.SourceTypeBonus,
	})
	require.NoError(t, err)

	// Simulate drift from a partial external write.
	require.NoError(t, gdb.Exec(
		`UPDATE user_level_aggregates SET xp = 1, level = 1 WHERE user_id = ?`,
		userID,
	).Error)

	agg, err := svc.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 95, agg.XP)
	assert.Equal(t, 3, agg.Level)

	// A clean aggregate reconciles to itself.
	again, err := svc.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, agg.XP, again.XP)
	assert.Equal(t, agg.Level, again.Level)
}
