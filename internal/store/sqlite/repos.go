package sqlite

import (
	"context"
	"errors"
	"time"

	"perpguard/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const accountRowID = 1

type positionRepo struct {
	db *gorm.DB
}

func NewPositionRepo(db *gorm.DB) *positionRepo {
	return &positionRepo{db: db}
}

// Save upserts by key.
func (r *positionRepo) Save(ctx context.Context, pos *model.PositionModel) error {
	if pos == nil || pos.Key == "" {
		return errors.New("position key cannot be empty")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pos_key"}},
		UpdateAll: true,
	}).Create(pos).Error
}

func (r *positionRepo) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("pos_key = ?", key).Delete(&model.PositionModel{}).Error
}

func (r *positionRepo) List(ctx context.Context) ([]model.PositionModel, error) {
	var out []model.PositionModel
	if err := r.db.WithContext(ctx).Order("pos_key ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type accountRepo struct {
	db *gorm.DB
}

func NewAccountRepo(db *gorm.DB) *accountRepo {
	return &accountRepo{db: db}
}

func (r *accountRepo) Save(ctx context.Context, acct *model.AccountModel) error {
	if acct == nil {
		return errors.New("account cannot be nil")
	}
	acct.ID = accountRowID
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(acct).Error
}

func (r *accountRepo) Load(ctx context.Context) (*model.AccountModel, error) {
	var acct model.AccountModel
	err := r.db.WithContext(ctx).Where("id = ?", accountRowID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

type tradeRepo struct {
	db *gorm.DB
}

func NewTradeRepo(db *gorm.DB) *tradeRepo {
	return &tradeRepo{db: db}
}

// Insert 对同一 position_id 重复归档时保留第一条。
func (r *tradeRepo) Insert(ctx context.Context, trade *model.TradeModel) error {
	if trade == nil {
		return errors.New("trade cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoNothing: true,
	}).Create(trade).Error
}

func (r *tradeRepo) ListRecent(ctx context.Context, limit int) ([]model.TradeModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.TradeModel
	if err := r.db.WithContext(ctx).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type equityRepo struct {
	db *gorm.DB
}

func NewEquityRepo(db *gorm.DB) *equityRepo {
	return &equityRepo{db: db}
}

func (r *equityRepo) Append(ctx context.Context, pt *model.EquityPointModel) error {
	if pt == nil {
		return errors.New("equity point cannot be nil")
	}
	return r.db.WithContext(ctx).Create(pt).Error
}

func (r *equityRepo) Since(ctx context.Context, since time.Time, limit int) ([]model.EquityPointModel, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []model.EquityPointModel
	if err := r.db.WithContext(ctx).
		Where("at >= ?", since).
		Order("at ASC, id ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
