package market

import (
	"context"

	"gorm.io/gorm"
	"spotex.com/pkg/orm"
)

type gormRepo struct {
	db *gorm.DB
}

var _ PairRepo = (*gormRepo)(nil)

func NewPairRepo(db *gorm.DB) PairRepo {
	return &gormRepo{db: db}
}

func (r *gormRepo) FindAll(ctx context.Context) ([]TradingPair, error) {
	var pairs []TradingPair
	err := orm.DB(ctx, r.db).Order("symbol ASC").Find(&pairs).Error
	return pairs, err
}

func (r *gormRepo) FindBySymbol(ctx context.Context, symbol string) (*TradingPair, error) {
	p := &TradingPair{}
	if err := orm.DB(ctx, r.db).Where("symbol = ?", symbol).Take(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *gormRepo) Create(ctx context.Context, p *TradingPair) error {
	return orm.DB(ctx, r.db).Create(p).Error
}

func (r *gormRepo) SetActive(ctx context.Context, symbol string, active bool) error {
	res := orm.DB(ctx, r.db).Model(&TradingPair{}).
		Where("symbol = ?", symbol).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
