package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"perpguard/internal/store"
	"perpguard/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stateModels 是状态库的全部表：持仓快照、单行账户、平仓归档、权益曲线。
var stateModels = []interface{}{
	&model.PositionModel{},
	&model.AccountModel{},
	&model.TradeModel{},
	&model.EquityPointModel{},
}

// SqliteStore 保存调度器的持仓与账户状态。每次状态变更是一个事务，
// 单进程独占写入，连接数保持很小即可。
type SqliteStore struct {
	db *gorm.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(stateDSN(path)), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	return newSqliteStore(db)
}

// stateDSN: WAL 下 synchronous=NORMAL 仍保证已提交事务在进程崩溃后不丢。
func stateDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&cache=shared", path)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	if err := db.AutoMigrate(stateModels...); err != nil {
		return nil, fmt.Errorf("migrate state tables: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormUnitOfWork{tx: tx}, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormUnitOfWork struct {
	tx *gorm.DB
}

func (u *gormUnitOfWork) Positions() store.PositionRepository { return NewPositionRepo(u.tx) }

func (u *gormUnitOfWork) Account() store.AccountRepository { return NewAccountRepo(u.tx) }

func (u *gormUnitOfWork) Trades() store.TradeRepository { return NewTradeRepo(u.tx) }

func (u *gormUnitOfWork) Equity() store.EquityRepository { return NewEquityRepo(u.tx) }

// Archive 写入平仓记录，并只删除仍属于该 position_id 的持仓行：
// 同一 symbol|side 已被新仓位占用时，迟到的归档不会误删新仓位。
func (u *gormUnitOfWork) Archive(ctx context.Context, trade *model.TradeModel, key string) error {
	if trade == nil || trade.PositionID == "" {
		return errors.New("archived trade needs a position id")
	}
	if err := NewTradeRepo(u.tx).Insert(ctx, trade); err != nil {
		return err
	}
	res := u.tx.WithContext(ctx).
		Where("pos_key = ? AND position_id = ?", key, trade.PositionID).
		Delete(&model.PositionModel{})
	return res.Error
}

func (u *gormUnitOfWork) Commit() error {
	return u.tx.Commit().Error
}

func (u *gormUnitOfWork) Rollback() error {
	return u.tx.Rollback().Error
}
