package matching

import (
	"github.com/shopspring/decimal"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
)

// Fees 手续费按角色收：主动方（taker）付 taker 费率，挂单方付 maker 费率，
// 都按成交额以 quote 计
type Fees struct {
	Buyer  decimal.Decimal
	Seller decimal.Decimal
}

func (f Fees) Total() decimal.Decimal { return f.Buyer.Add(f.Seller) }

func ComputeFees(pair market.TradingPair, takerSide order.Side, price, qty decimal.Decimal) Fees {
	notional := price.Mul(qty)
	takerFee := notional.Mul(pair.TakerFeeRate)
	makerFee := notional.Mul(pair.MakerFeeRate)
	if takerSide == order.Buy {
		return Fees{Buyer: takerFee, Seller: makerFee}
	}
	return Fees{Buyer: makerFee, Seller: takerFee}
}

// affordableQty 市价买单剩余冻结额还能买多少：reserved / (price * (1 + takerFee))，按数量精度向下取整
func affordableQty(pair market.TradingPair, reserved, price decimal.Decimal) decimal.Decimal {
	unit := price.Mul(decimal.NewFromInt(1).Add(pair.TakerFeeRate))
	if !unit.IsPositive() {
		return decimal.Zero
	}
	q := reserved.DivRound(unit, pair.QuantityPrecision+8)
	q = pair.TruncateQuantity(q)
	// 四舍五入可能多出一点，超了就退一个最小单位
	for q.IsPositive() && q.Mul(unit).GreaterThan(reserved) {
		q = q.Sub(decimal.New(1, -pair.QuantityPrecision))
	}
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}
