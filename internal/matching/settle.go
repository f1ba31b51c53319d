package matching

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"spotex.com/internal/ledger"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/xerr"
)

// ErrNotFillable 锁行之后发现订单已经撤了/成交了/剩余不够，这笔不做，撮合换下一个
var ErrNotFillable = xerr.New(xerr.InvalidState, "order no longer fillable")

// Match 一次撮合的结果，TradeID 在结算前生成，是结算的幂等键
type Match struct {
	TradeID     string
	BuyOrderID  uint64
	SellOrderID uint64
	TakerSide   order.Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
}

type SettleResult struct {
	Trade    *trade.Trade
	Buy      *order.Order
	Sell     *order.Order
	Replayed bool // 同一个 TradeID 之前已经结算过
}

// Settler 一笔成交的资金划转 + 订单更新 + 成交记录，全部在一个事务里
type Settler struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	orders order.Repo
	trades trade.Repo
	now    func() time.Time
}

func NewSettler(db *gorm.DB, l *ledger.Ledger, orders order.Repo, trades trade.Repo) *Settler {
	return &Settler{
		db:     db,
		ledger: l,
		orders: orders,
		trades: trades,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Settler) Settle(ctx context.Context, pair market.TradingPair, m Match) (res *SettleResult, err error) {
	ctx, span := trace.Start(ctx, "matching.Settle",
		attribute.String("symbol", pair.Symbol),
		attribute.String("trade_id", m.TradeID),
	)
	defer func() { trace.End(span, err) }()

	if !m.Quantity.IsPositive() || !m.Price.IsPositive() {
		return nil, xerr.Newf(xerr.RequestParamsError, "bad match price=%s qty=%s", m.Price, m.Quantity)
	}

	err = orm.Transaction(ctx, s.db, func(txCtx context.Context) error {
		var e error
		res, e = s.settleTx(txCtx, pair, m)
		return e
	})
	if err != nil {
		if errors.Is(err, ErrNotFillable) {
			return nil, err
		}
		if cerr := xerr.FromContext(ctx); cerr != nil {
			return nil, cerr
		}
		reason := "internal"
		if ce, ok := xerr.As(err); ok {
			reason = xerr.MapErrMsg(ce.Code)
		}
		metrics.SettlementFailures.WithLabelValues(pair.Symbol, reason).Inc()
		logger.Error(ctx, "❌ settlement rolled back",
			zap.String("symbol", pair.Symbol),
			zap.String("trade_id", m.TradeID),
			zap.Uint64("buy_order_id", m.BuyOrderID),
			zap.Uint64("sell_order_id", m.SellOrderID),
			zap.String("taker_side", string(m.TakerSide)),
			zap.String("price", m.Price.String()),
			zap.String("quantity", m.Quantity.String()),
			zap.Error(err),
		)
		if xerr.Is(err, xerr.SettlementFailure) {
			return nil, err
		}
		return nil, xerr.Wrap(err, xerr.SettlementFailure, xerr.MapErrMsg(xerr.SettlementFailure))
	}

	if !res.Replayed {
		s.ledger.Invalidate(ctx, res.Buy.UserID, res.Sell.UserID)
		metrics.TradesExecuted.WithLabelValues(pair.Symbol).Inc()
	}
	return res, nil
}

func (s *Settler) settleTx(ctx context.Context, pair market.TradingPair, m Match) (*SettleResult, error) {
	// 1. 幂等：这笔已经结算过就原样返回
	if existing, err := s.trades.GetByTradeID(ctx, m.TradeID); err == nil {
		buy, err := s.orders.Get(ctx, existing.BuyOrderID)
		if err != nil {
			return nil, err
		}
		sell, err := s.orders.Get(ctx, existing.SellOrderID)
		if err != nil {
			return nil, err
		}
		return &SettleResult{Trade: existing, Buy: buy, Sell: sell, Replayed: true}, nil
	} else if !orm.IsNotFound(err) {
		return nil, err
	}

	// 2. 按 id 顺序加行锁，避免两笔结算交叉死锁
	buy, sell, err := s.lockPair(ctx, m.BuyOrderID, m.SellOrderID)
	if err != nil {
		return nil, err
	}
	if buy.Side != order.Buy || sell.Side != order.Sell || buy.PairID != pair.ID || sell.PairID != pair.ID {
		return nil, xerr.Newf(xerr.SettlementFailure, "orders %d/%d do not form a %s match", buy.ID, sell.ID, pair.Symbol)
	}
	if !buy.Fillable(m.Quantity) || !sell.Fillable(m.Quantity) {
		return nil, ErrNotFillable
	}

	// 3. 手续费
	notional := m.Price.Mul(m.Quantity)
	fees := ComputeFees(pair, m.TakerSide, m.Price, m.Quantity)
	buyerCost := notional.Add(fees.Buyer)
	if buyerCost.GreaterThan(buy.Reserved) {
		return nil, xerr.Newf(xerr.SettlementFailure, "buy order %d reservation %s < cost %s", buy.ID, buy.Reserved, buyerCost)
	}
	if m.Quantity.GreaterThan(sell.Reserved) {
		return nil, xerr.Newf(xerr.SettlementFailure, "sell order %d reservation %s < quantity %s", sell.ID, sell.Reserved, m.Quantity)
	}

	// 4. 资金划转
	ref := ledger.TradeRef(m.TradeID)
	buyer, seller := ledger.User(buy.UserID), ledger.User(sell.UserID)
	steps := []func() error{
		func() error { return s.ledger.Unlock(ctx, buyer, pair.Quote, buyerCost, ref) },
		func() error { return s.ledger.Debit(ctx, buyer, pair.Quote, buyerCost, ref) },
		func() error { return s.ledger.Credit(ctx, buyer, pair.Base, m.Quantity, ref) },
		func() error { return s.ledger.Unlock(ctx, seller, pair.Base, m.Quantity, ref) },
		func() error { return s.ledger.Debit(ctx, seller, pair.Base, m.Quantity, ref) },
		func() error { return s.ledger.Credit(ctx, seller, pair.Quote, notional.Sub(fees.Seller), ref) },
		func() error { return s.ledger.CollectFee(ctx, pair.Quote, fees.Total(), ref) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	buy.Release(buyerCost)
	sell.Release(m.Quantity)

	// 5. 订单成交；完全成交后剩下的冻结（限价改善、市价买缓冲）退回
	now := s.now()
	if err := buy.Fill(m.Quantity, now); err != nil {
		return nil, err
	}
	if err := sell.Fill(m.Quantity, now); err != nil {
		return nil, err
	}
	for _, o := range []*order.Order{buy, sell} {
		if o.Status != order.StatusFilled || !o.Reserved.IsPositive() {
			continue
		}
		asset := o.ReserveAsset(pair.Base, pair.Quote)
		leftover := o.Release(o.Reserved)
		if err := s.ledger.Unlock(ctx, ledger.User(o.UserID), asset, leftover, ledger.OrderRef(o.ID)); err != nil {
			return nil, err
		}
	}
	if err := s.orders.Save(ctx, buy); err != nil {
		return nil, err
	}
	if err := s.orders.Save(ctx, sell); err != nil {
		return nil, err
	}

	// 6. 成交记录
	t := &trade.Trade{
		TradeID:     m.TradeID,
		PairID:      pair.ID,
		Symbol:      pair.Symbol,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Price:       m.Price,
		Quantity:    m.Quantity,
		BuyerFee:    fees.Buyer,
		SellerFee:   fees.Seller,
		TakerSide:   string(m.TakerSide),
		CreatedAt:   now,
	}
	stored, existed, err := s.trades.Append(ctx, t)
	if err != nil {
		return nil, err
	}
	if existed {
		// 并发的同一笔已经先提交了，本事务回滚
		return nil, xerr.Newf(xerr.SettlementFailure, "trade %s recorded concurrently", m.TradeID)
	}
	return &SettleResult{Trade: stored, Buy: buy, Sell: sell}, nil
}

func (s *Settler) lockPair(ctx context.Context, buyID, sellID uint64) (*order.Order, *order.Order, error) {
	first, second := buyID, sellID
	if first > second {
		first, second = second, first
	}
	a, err := s.orders.GetForUpdate(ctx, first)
	if err != nil {
		return nil, nil, wrapOrderLoad(err, first)
	}
	b, err := s.orders.GetForUpdate(ctx, second)
	if err != nil {
		return nil, nil, wrapOrderLoad(err, second)
	}
	if a.ID == buyID {
		return a, b, nil
	}
	return b, a, nil
}

func wrapOrderLoad(err error, id uint64) error {
	if orm.IsNotFound(err) {
		return xerr.Newf(xerr.RecordNotFound, "order %d not found", id)
	}
	return err
}

// CloseMode 订单关闭方式
type CloseMode int

const (
	CloseCancel CloseMode = iota // 用户撤单 / 市价、IOC 剩余
	CloseExpire                  // GTD 到期：open -> expired，部分成交 -> canceled
)

// Close 锁单、改状态、退回剩余冻结，一个事务。check 在锁内执行（比如校验归属）
func (s *Settler) Close(ctx context.Context, pair market.TradingPair, orderID uint64, mode CloseMode, check func(o *order.Order) error) (*order.Order, error) {
	var closed *order.Order
	err := orm.Transaction(ctx, s.db, func(txCtx context.Context) error {
		o, err := s.orders.GetForUpdate(txCtx, orderID)
		if err != nil {
			return wrapOrderLoad(err, orderID)
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		now := s.now()
		if mode == CloseExpire && o.Status == order.StatusOpen {
			err = o.Expire(now)
		} else {
			err = o.Cancel(now)
		}
		if err != nil {
			return err
		}
		if o.Reserved.IsPositive() {
			asset := o.ReserveAsset(pair.Base, pair.Quote)
			amount := o.Release(o.Reserved)
			if err := s.ledger.Unlock(txCtx, ledger.User(o.UserID), asset, amount, ledger.OrderRef(o.ID)); err != nil {
				return err
			}
		}
		if err := s.orders.Save(txCtx, o); err != nil {
			return err
		}
		closed = o
		return nil
	})
	if err != nil {
		if _, ok := xerr.As(err); ok {
			return nil, err
		}
		return nil, xerr.Wrap(err, xerr.DbError, "close order")
	}
	s.ledger.Invalidate(ctx, closed.UserID)
	return closed, nil
}
