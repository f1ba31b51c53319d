package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"spotex.com/pkg/orm"
)

// Level 盘口一档
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int64           `json:"orders"`
}

// MatchQuery 撮合候选查询条件
type MatchQuery struct {
	PairID uint64
	Side   Side             // 挂单方向（taker 的对手方）
	Bound  *decimal.Decimal // taker 是限价单时的价格边界
	Skip   []uint64         // 本轮已经结算失败、要跳过的挂单
	Limit  int
}

type Repo interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uint64) (*Order, error)
	GetForUpdate(ctx context.Context, id uint64) (*Order, error)
	Save(ctx context.Context, o *Order) error

	// ListMatchable 按价格-时间优先级返回对手方挂单，排序完全由 SQL 决定
	ListMatchable(ctx context.Context, q MatchQuery) ([]*Order, error)
	// BestPrice 对手方最优价，没有挂单时 ok=false
	BestPrice(ctx context.Context, pairID uint64, side Side) (price decimal.Decimal, ok bool, err error)
	ListOpenByUser(ctx context.Context, userID, pairID uint64) ([]*Order, error)
	ListByUser(ctx context.Context, userID uint64, page, limit int) ([]*Order, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	Depth(ctx context.Context, pairID uint64, side Side, depth int) ([]Level, error)
}

var activeStatuses = []Status{StatusOpen, StatusPartiallyFilled}

type gormRepo struct {
	db *gorm.DB
}

var _ Repo = (*gormRepo)(nil)

func NewRepo(db *gorm.DB) Repo {
	return &gormRepo{db: db}
}

func (r *gormRepo) Create(ctx context.Context, o *Order) error {
	return orm.DB(ctx, r.db).Create(o).Error
}

func (r *gormRepo) Get(ctx context.Context, id uint64) (*Order, error) {
	o := &Order{}
	if err := orm.DB(ctx, r.db).Take(o, id).Error; err != nil {
		return nil, err
	}
	return o, nil
}

func (r *gormRepo) GetForUpdate(ctx context.Context, id uint64) (*Order, error) {
	o := &Order{}
	if err := orm.ForUpdate(orm.DB(ctx, r.db)).Take(o, id).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// Save 只写会变的列，数量/价格/方向建单后不可改
func (r *gormRepo) Save(ctx context.Context, o *Order) error {
	return orm.DB(ctx, r.db).Model(o).
		Select("filled_quantity", "remaining", "reserved", "status", "filled_at", "canceled_at", "updated_at").
		Updates(o).Error
}

func (r *gormRepo) ListMatchable(ctx context.Context, q MatchQuery) ([]*Order, error) {
	db := orm.DB(ctx, r.db).
		Where("pair_id = ? AND side = ? AND type = ? AND status IN ?", q.PairID, q.Side, Limit, activeStatuses)
	if q.Bound != nil {
		if q.Side == Sell {
			db = db.Where("price <= ?", *q.Bound)
		} else {
			db = db.Where("price >= ?", *q.Bound)
		}
	}
	if len(q.Skip) > 0 {
		db = db.Where("id NOT IN ?", q.Skip)
	}
	if q.Side == Sell {
		db = db.Order("price ASC")
	} else {
		db = db.Order("price DESC")
	}
	db = db.Order("created_at ASC").Order("id ASC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var out []*Order
	err := db.Find(&out).Error
	return out, err
}

func (r *gormRepo) BestPrice(ctx context.Context, pairID uint64, side Side) (decimal.Decimal, bool, error) {
	orders, err := r.ListMatchable(ctx, MatchQuery{PairID: pairID, Side: side, Limit: 1})
	if err != nil || len(orders) == 0 {
		return decimal.Zero, false, err
	}
	return orders[0].LimitPrice(), true, nil
}

// ListOpenByUser pairID=0 表示所有交易对
func (r *gormRepo) ListOpenByUser(ctx context.Context, userID, pairID uint64) ([]*Order, error) {
	db := orm.DB(ctx, r.db).Where("user_id = ? AND status IN ?", userID, activeStatuses)
	if pairID != 0 {
		db = db.Where("pair_id = ?", pairID)
	}
	var out []*Order
	err := db.Order("id ASC").Find(&out).Error
	return out, err
}

func (r *gormRepo) ListByUser(ctx context.Context, userID uint64, page, limit int) ([]*Order, error) {
	db := orm.DB(ctx, r.db).Where("user_id = ?", userID).Order("id DESC")
	var out []*Order
	err := orm.ApplyPagination(db, page, limit).Find(&out).Error
	return out, err
}

func (r *gormRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	db := orm.DB(ctx, r.db).
		Where("time_in_force = ? AND status IN ? AND expire_at <= ?", GTD, activeStatuses, now.UTC()).
		Order("expire_at ASC").Order("id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var out []*Order
	err := db.Find(&out).Error
	return out, err
}

// Depth 按价格聚合剩余数量；只给外部展示用，撮合不读它
func (r *gormRepo) Depth(ctx context.Context, pairID uint64, side Side, depth int) ([]Level, error) {
	db := orm.DB(ctx, r.db).Model(&Order{}).
		Select("price, SUM(remaining) AS quantity, COUNT(*) AS orders").
		Where("pair_id = ? AND side = ? AND type = ? AND status IN ?", pairID, side, Limit, activeStatuses).
		Group("price")
	if side == Buy {
		db = db.Order("price DESC")
	} else {
		db = db.Order("price ASC")
	}
	if depth > 0 {
		db = db.Limit(depth)
	}
	var levels []Level
	err := db.Scan(&levels).Error
	return levels, err
}
