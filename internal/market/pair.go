package market

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"spotex.com/pkg/xerr"
)

// TradingPair 交易对配置，读多写少；只有管理端会改 active
type TradingPair struct {
	ID                uint64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Symbol            string          `gorm:"column:symbol;type:varchar(32);uniqueIndex;not null" json:"symbol"`
	Base              string          `gorm:"column:base;type:varchar(16);not null" json:"base"`
	Quote             string          `gorm:"column:quote;type:varchar(16);not null" json:"quote"`
	MinOrderSize      decimal.Decimal `gorm:"column:min_order_size;type:decimal(36,18);not null" json:"min_order_size"`
	MaxOrderSize      decimal.Decimal `gorm:"column:max_order_size;type:decimal(36,18);not null" json:"max_order_size"`
	PricePrecision    int32           `gorm:"column:price_precision;not null" json:"price_precision"`
	QuantityPrecision int32           `gorm:"column:quantity_precision;not null" json:"quantity_precision"`
	Active            bool            `gorm:"column:active;not null;default:true" json:"active"`
	MakerFeeRate      decimal.Decimal `gorm:"column:maker_fee_rate;type:decimal(10,6);not null;default:0" json:"maker_fee_rate"`
	TakerFeeRate      decimal.Decimal `gorm:"column:taker_fee_rate;type:decimal(10,6);not null;default:0" json:"taker_fee_rate"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (TradingPair) TableName() string {
	return "trading_pairs"
}

// PairRepo 交易对数据源
type PairRepo interface {
	FindAll(ctx context.Context) ([]TradingPair, error)
	FindBySymbol(ctx context.Context, symbol string) (*TradingPair, error)
	Create(ctx context.Context, p *TradingPair) error
	SetActive(ctx context.Context, symbol string, active bool) error
}

// NormalizeSymbol "btc-usdt" -> "BTC-USDT"
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MaxFeeRate 限价买单按两种费率里大的那个预留
func (p TradingPair) MaxFeeRate() decimal.Decimal {
	if p.MakerFeeRate.GreaterThan(p.TakerFeeRate) {
		return p.MakerFeeRate
	}
	return p.TakerFeeRate
}

// ValidateQuantity 正数、精度内、落在 [min, max]
func (p TradingPair) ValidateQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return xerr.New(xerr.RequestParamsError, "quantity must be positive")
	}
	if !fitsPrecision(q, p.QuantityPrecision) {
		return xerr.Newf(xerr.RequestParamsError, "quantity %s exceeds %d decimal places", q, p.QuantityPrecision)
	}
	if q.LessThan(p.MinOrderSize) {
		return xerr.Newf(xerr.RequestParamsError, "quantity %s below min order size %s", q, p.MinOrderSize)
	}
	if p.MaxOrderSize.IsPositive() && q.GreaterThan(p.MaxOrderSize) {
		return xerr.Newf(xerr.RequestParamsError, "quantity %s above max order size %s", q, p.MaxOrderSize)
	}
	return nil
}

func (p TradingPair) ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return xerr.New(xerr.RequestParamsError, "price must be positive")
	}
	if !fitsPrecision(price, p.PricePrecision) {
		return xerr.Newf(xerr.RequestParamsError, "price %s exceeds %d decimal places", price, p.PricePrecision)
	}
	return nil
}

// TruncateQuantity 按数量精度向下取整
func (p TradingPair) TruncateQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(p.QuantityPrecision)
}

func fitsPrecision(v decimal.Decimal, places int32) bool {
	return v.Truncate(places).Equal(v)
}
