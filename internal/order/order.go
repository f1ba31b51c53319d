package order

import (
	"time"

	"github.com/shopspring/decimal"
	"spotex.com/pkg/xerr"
)

type Type string

const (
	Market Type = "market"
	Limit  Type = "limit"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite 对手方
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusExpired         Status = "expired"
)

// Terminal filled / canceled / expired 之后不再变化
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusExpired
}

// Active 还在簿上（可撮合、可撤）
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

type TimeInForce string

const (
	GTC TimeInForce = "GTC" // 一直有效直到撤单
	IOC TimeInForce = "IOC" // 立即成交，剩余撤销
	GTD TimeInForce = "GTD" // 到 expire_at 过期
)

// Order 订单。remaining = quantity - filled，只由 Fill 修改
type Order struct {
	ID             uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID         uint64           `gorm:"column:user_id;not null;index:idx_user_status,priority:1" json:"user_id"`
	PairID         uint64           `gorm:"column:pair_id;not null;index:idx_book,priority:1" json:"pair_id"`
	Symbol         string           `gorm:"column:symbol;type:varchar(32);not null" json:"symbol"`
	Type           Type             `gorm:"column:type;type:varchar(8);not null" json:"type"`
	Side           Side             `gorm:"column:side;type:varchar(4);not null;index:idx_book,priority:2" json:"side"`
	Price          *decimal.Decimal `gorm:"column:price;type:decimal(36,18);index:idx_book,priority:4" json:"price,omitempty"`
	Quantity       decimal.Decimal  `gorm:"column:quantity;type:decimal(36,18);not null" json:"quantity"`
	FilledQuantity decimal.Decimal  `gorm:"column:filled_quantity;type:decimal(36,18);not null;default:0" json:"filled_quantity"`
	Remaining      decimal.Decimal  `gorm:"column:remaining;type:decimal(36,18);not null" json:"remaining"`
	Reserved       decimal.Decimal  `gorm:"column:reserved;type:decimal(36,18);not null;default:0" json:"reserved"`
	Status         Status           `gorm:"column:status;type:varchar(16);not null;index:idx_book,priority:3;index:idx_user_status,priority:2" json:"status"`
	TimeInForce    TimeInForce      `gorm:"column:time_in_force;type:varchar(4);not null" json:"time_in_force"`
	ExpireAt       *time.Time       `gorm:"column:expire_at;index" json:"expire_at,omitempty"`
	CreatedAt      time.Time        `gorm:"column:created_at;index:idx_book,priority:5" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at" json:"updated_at"`
	FilledAt       *time.Time       `gorm:"column:filled_at" json:"filled_at,omitempty"`
	CanceledAt     *time.Time       `gorm:"column:canceled_at" json:"canceled_at,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// New 新单，状态 open
func New(userID, pairID uint64, symbol string, typ Type, side Side, qty decimal.Decimal, price *decimal.Decimal, tif TimeInForce) *Order {
	if tif == "" {
		tif = GTC
	}
	return &Order{
		UserID:         userID,
		PairID:         pairID,
		Symbol:         symbol,
		Type:           typ,
		Side:           side,
		Price:          price,
		Quantity:       qty,
		FilledQuantity: decimal.Zero,
		Remaining:      qty,
		Reserved:       decimal.Zero,
		Status:         StatusOpen,
		TimeInForce:    tif,
	}
}

// LimitPrice 市价单返回 0
func (o *Order) LimitPrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}

func (o *Order) IsMarket() bool { return o.Type == Market }

// Fillable 能否再成交 qty
func (o *Order) Fillable(qty decimal.Decimal) bool {
	return o.Status.Active() && o.Remaining.GreaterThanOrEqual(qty)
}

// Fill 成交 qty；filled + remaining == quantity 始终成立
func (o *Order) Fill(qty decimal.Decimal, now time.Time) error {
	if !qty.IsPositive() {
		return xerr.Newf(xerr.RequestParamsError, "fill quantity must be positive: %s", qty)
	}
	if !o.Status.Active() {
		return xerr.Newf(xerr.InvalidState, "order %d is %s", o.ID, o.Status)
	}
	if o.Remaining.LessThan(qty) {
		return xerr.Newf(xerr.InvalidState, "order %d remaining %s < fill %s", o.ID, o.Remaining, qty)
	}
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.Remaining = o.Quantity.Sub(o.FilledQuantity)
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
		o.FilledAt = &now
	} else {
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// Cancel open|partially_filled -> canceled
func (o *Order) Cancel(now time.Time) error {
	if !o.Status.Active() {
		return xerr.Newf(xerr.InvalidState, "order %d is %s, cannot cancel", o.ID, o.Status)
	}
	o.Status = StatusCanceled
	o.CanceledAt = &now
	return nil
}

// Expire 只有 open 能过期；部分成交的 GTD 单走 Cancel
func (o *Order) Expire(now time.Time) error {
	if o.Status != StatusOpen {
		return xerr.Newf(xerr.InvalidState, "order %d is %s, cannot expire", o.ID, o.Status)
	}
	o.Status = StatusExpired
	o.CanceledAt = &now
	return nil
}

// ReserveAsset 冻结的币种：买单冻结 quote，卖单冻结 base
func (o *Order) ReserveAsset(base, quote string) string {
	if o.Side == Buy {
		return quote
	}
	return base
}

// Release 扣减本单的冻结额，返回实际扣减值（不会扣成负数）
func (o *Order) Release(amount decimal.Decimal) decimal.Decimal {
	if amount.GreaterThan(o.Reserved) {
		amount = o.Reserved
	}
	o.Reserved = o.Reserved.Sub(amount)
	return amount
}
