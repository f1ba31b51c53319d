package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceRow 一个 (owner, asset) 一行；available / locked 在任何提交点都 >= 0
type BalanceRow struct {
	OwnerType uint8           `gorm:"column:owner_type;primaryKey;not null"`
	OwnerID   uint64          `gorm:"column:owner_id;primaryKey;not null"`
	Asset     string          `gorm:"column:asset;primaryKey;type:varchar(16);not null"`
	Available decimal.Decimal `gorm:"column:available;type:decimal(36,18);not null;default:0"`
	Locked    decimal.Decimal `gorm:"column:locked;type:decimal(36,18);not null;default:0"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (BalanceRow) TableName() string {
	return "balances"
}

// EntryRow 资金流水，只追加
type EntryRow struct {
	ID        uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerType uint8           `gorm:"column:owner_type;not null;index:idx_owner_asset,priority:1"`
	OwnerID   uint64          `gorm:"column:owner_id;not null;index:idx_owner_asset,priority:2"`
	Asset     string          `gorm:"column:asset;type:varchar(16);not null;index:idx_owner_asset,priority:3"`
	Kind      string          `gorm:"column:kind;type:varchar(16);not null"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	RefType   string          `gorm:"column:ref_type;type:varchar(16);not null;index:idx_ref,priority:1"`
	RefID     string          `gorm:"column:ref_id;type:varchar(64);not null;index:idx_ref,priority:2"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (EntryRow) TableName() string {
	return "ledger_entries"
}
