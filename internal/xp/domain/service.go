package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/pkg/db/pagination"
)

type AppendTransactionRequest struct {
	UserID      snowflake.ID
	Amount      int
	SourceType  SourceType
	SourceID    snowflake.ID
	Description string
}

type AppendTransactionResponse struct {
	Aggregate   LevelAggregate `json:"aggregate"`
	Transaction Transaction    `json:"transaction"`
}

type ListTransactionsRequest struct {
	UserID    snowflake.ID
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// Service is the XP ledger: it appends immutable transactions and keeps
// the per-user aggregate in lock-step, one atomic unit per invocation.
type Service interface {
	AppendTransaction(context.Context, AppendTransactionRequest) (AppendTransactionResponse, error)
	EnsureAggregate(ctx context.Context, userID snowflake.ID) error
	GetAggregate(ctx context.Context, userID snowflake.ID) (LevelAggregate, error)
	ListTransactions(context.Context, ListTransactionsRequest) (ListTransactionsResponse, error)
	MarkLevelNotified(ctx context.Context, userID snowflake.ID, level int) (LevelAggregate, error)
	Reconcile(ctx context.Context, userID snowflake.ID) (LevelAggregate, error)
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidSourceType  = errors.New("invalid_source_type")
	ErrInvalidLevel       = errors.New("invalid_level")
	ErrAggregateNotFound  = errors.New("aggregate_not_found")
	ErrDuplicateSource    = errors.New("duplicate_source")
	ErrConcurrentUpdate   = errors.New("concurrent_update")
	ErrTransactionMissing = errors.New("transaction_not_found")
)
