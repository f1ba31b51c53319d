package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OwnerType uint8

const (
	OwnerUser   OwnerType = 1
	OwnerSystem OwnerType = 2
)

// Owner 资金归属；系统手续费账户是 (system, 0)
type Owner struct {
	Type OwnerType
	ID   uint64
}

func User(id uint64) Owner { return Owner{Type: OwnerUser, ID: id} }

var FeeAccount = Owner{Type: OwnerSystem, ID: 0}

func (o Owner) String() string {
	if o.Type == OwnerSystem {
		return fmt.Sprintf("system:%d", o.ID)
	}
	return fmt.Sprintf("user:%d", o.ID)
}

// 流水类型
const (
	KindLock   = "lock"
	KindUnlock = "unlock"
	KindCredit = "credit"
	KindDebit  = "debit"
	KindFee    = "fee"
)

// 流水关联的业务单据
const (
	RefOrder   = "order"
	RefTrade   = "trade"
	RefDeposit = "deposit"
)

type Ref struct {
	Type string
	ID   string
}

func OrderRef(id uint64) Ref     { return Ref{Type: RefOrder, ID: fmt.Sprint(id)} }
func TradeRef(tradeID string) Ref { return Ref{Type: RefTrade, ID: tradeID} }

// Balance 对外的余额视图
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Locked) }

// clone 避免上层修改返回对象影响缓存/并发
func cloneBalances(in []Balance) []Balance {
	out := make([]Balance, len(in))
	copy(out, in)
	return out
}
