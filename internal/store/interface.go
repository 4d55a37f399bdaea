package store

import (
	"context"
	"time"

	"perpguard/internal/store/model"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	Commit() error
	Rollback() error

	Positions() PositionRepository
	Account() AccountRepository
	Trades() TradeRepository
	Equity() EquityRepository

	// Archive 写入平仓记录并删除 key 下仍属于 trade.PositionID 的持仓。
	Archive(ctx context.Context, trade *model.TradeModel, key string) error
}

// Store is the entry point for database access.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

type PositionRepository interface {
	Save(ctx context.Context, pos *model.PositionModel) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]model.PositionModel, error)
}

type AccountRepository interface {
	Save(ctx context.Context, acct *model.AccountModel) error
	// Load 返回 nil, nil 表示尚无记录。
	Load(ctx context.Context) (*model.AccountModel, error)
}

type TradeRepository interface {
	Insert(ctx context.Context, trade *model.TradeModel) error
	ListRecent(ctx context.Context, limit int) ([]model.TradeModel, error)
}

type EquityRepository interface {
	Append(ctx context.Context, pt *model.EquityPointModel) error
	Since(ctx context.Context, since time.Time, limit int) ([]model.EquityPointModel, error)
}
