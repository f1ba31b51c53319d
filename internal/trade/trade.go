package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"spotex.com/pkg/orm"
)

// Trade 一次撮合的成交记录，写入后不再修改
type Trade struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TradeID     string          `gorm:"column:trade_id;type:varchar(64);uniqueIndex;not null" json:"trade_id"`
	PairID      uint64          `gorm:"column:pair_id;not null;index:idx_pair_time,priority:1" json:"pair_id"`
	Symbol      string          `gorm:"column:symbol;type:varchar(32);not null" json:"symbol"`
	BuyOrderID  uint64          `gorm:"column:buy_order_id;not null;index" json:"buy_order_id"`
	SellOrderID uint64          `gorm:"column:sell_order_id;not null;index" json:"sell_order_id"`
	BuyerID     uint64          `gorm:"column:buyer_id;not null" json:"buyer_id"`
	SellerID    uint64          `gorm:"column:seller_id;not null" json:"seller_id"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null" json:"price"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:decimal(36,18);not null" json:"quantity"`
	BuyerFee    decimal.Decimal `gorm:"column:buyer_fee;type:decimal(36,18);not null" json:"buyer_fee"`
	SellerFee   decimal.Decimal `gorm:"column:seller_fee;type:decimal(36,18);not null" json:"seller_fee"`
	TakerSide   string          `gorm:"column:taker_side;type:varchar(4);not null" json:"taker_side"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null;index:idx_pair_time,priority:2" json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// Notional price * quantity
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Summary 一段时间内的聚合，open/last 单独查
type Summary struct {
	High        decimal.Decimal
	Low         decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	Count       int64
}

type Repo interface {
	// Append 只插入；trade_id 已存在时返回已有记录，existed=true
	Append(ctx context.Context, t *Trade) (stored *Trade, existed bool, err error)
	GetByTradeID(ctx context.Context, tradeID string) (*Trade, error)
	ListRecent(ctx context.Context, pairID uint64, limit int) ([]Trade, error)
	// ScanRange [from, to) 按成交先后分批回调，内存里最多一批
	ScanRange(ctx context.Context, pairID uint64, from, to time.Time, batch int, fn func([]Trade) error) error
	ListByOrder(ctx context.Context, orderID uint64) ([]Trade, error)
	Summarize(ctx context.Context, pairID uint64, from, to time.Time) (Summary, error)
	// Edge 区间内第一笔(first=true)或最后一笔成交
	Edge(ctx context.Context, pairID uint64, from, to time.Time, first bool) (*Trade, error)
}

type gormRepo struct {
	db *gorm.DB
}

var _ Repo = (*gormRepo)(nil)

func NewRepo(db *gorm.DB) Repo {
	return &gormRepo{db: db}
}

func (r *gormRepo) Append(ctx context.Context, t *Trade) (*Trade, bool, error) {
	db := orm.DB(ctx, r.db)
	// 冲突时不报错，避免 pg 事务被打断
	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "trade_id"}}, DoNothing: true}).Create(t)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return t, false, nil
	}
	existing, err := r.GetByTradeID(ctx, t.TradeID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (r *gormRepo) GetByTradeID(ctx context.Context, tradeID string) (*Trade, error) {
	t := &Trade{}
	if err := orm.DB(ctx, r.db).Where("trade_id = ?", tradeID).Take(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *gormRepo) ListRecent(ctx context.Context, pairID uint64, limit int) ([]Trade, error) {
	var out []Trade
	err := orm.DB(ctx, r.db).
		Where("pair_id = ?", pairID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepo) ScanRange(ctx context.Context, pairID uint64, from, to time.Time, batch int,
	fn func([]Trade) error) error {
	if batch <= 0 {
		batch = 1000
	}
	var (
		lastAt time.Time
		lastID uint64
	)
	for {
		db := orm.DB(ctx, r.db).
			Where("pair_id = ? AND created_at >= ? AND created_at < ?", pairID, from.UTC(), to.UTC())
		if lastID > 0 {
			// (created_at, id) 游标翻页，不用 OFFSET
			db = db.Where("created_at > ? OR (created_at = ? AND id > ?)", lastAt.UTC(), lastAt.UTC(), lastID)
		}
		var page []Trade
		if err := db.Order("created_at ASC").Order("id ASC").Limit(batch).Find(&page).Error; err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batch {
			return nil
		}
		tail := page[len(page)-1]
		lastAt, lastID = tail.CreatedAt, tail.ID
	}
}

func (r *gormRepo) ListByOrder(ctx context.Context, orderID uint64) ([]Trade, error) {
	var out []Trade
	err := orm.DB(ctx, r.db).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *gormRepo) Summarize(ctx context.Context, pairID uint64, from, to time.Time) (Summary, error) {
	var row struct {
		High        decimal.NullDecimal
		Low         decimal.NullDecimal
		Volume      decimal.NullDecimal
		QuoteVolume decimal.NullDecimal
		Count       int64
	}
	err := orm.DB(ctx, r.db).Model(&Trade{}).
		Select("MAX(price) AS high, MIN(price) AS low, SUM(quantity) AS volume, SUM(price * quantity) AS quote_volume, COUNT(*) AS count").
		Where("pair_id = ? AND created_at >= ? AND created_at < ?", pairID, from.UTC(), to.UTC()).
		Scan(&row).Error
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		High:        row.High.Decimal,
		Low:         row.Low.Decimal,
		Volume:      row.Volume.Decimal,
		QuoteVolume: row.QuoteVolume.Decimal,
		Count:       row.Count,
	}, nil
}

func (r *gormRepo) Edge(ctx context.Context, pairID uint64, from, to time.Time, first bool) (*Trade, error) {
	db := orm.DB(ctx, r.db).
		Where("pair_id = ? AND created_at >= ? AND created_at < ?", pairID, from.UTC(), to.UTC())
	if first {
		db = db.Order("created_at ASC").Order("id ASC")
	} else {
		db = db.Order("created_at DESC").Order("id DESC")
	}
	t := &Trade{}
	if err := db.Take(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}
