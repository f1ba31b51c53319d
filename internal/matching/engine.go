package matching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/xerr"
)

type Config struct {
	CandidateBatch int // 每次从库里取多少个对手单
}

// Result 一次撮合的产出
type Result struct {
	Taker  *order.Order   // 撮合结束后的 taker
	Trades []*trade.Trade // 按成交先后
	Makers []*order.Order // 和 Trades 一一对应，成交后的挂单快照
	// Closed taker 剩余被撤（市价/IOC），或者市价买冻结用完
	Closed bool
}

// Matcher 价格-时间优先撮合。本身不持有订单簿，每次从库里按优先级取候选；
// 调用方负责同一交易对同时只有一个 Match 在跑
type Matcher struct {
	orders  order.Repo
	settler *Settler
	cfg     Config
	newID   func() string
}

func NewMatcher(orders order.Repo, settler *Settler, cfg Config) *Matcher {
	if cfg.CandidateBatch <= 0 {
		cfg.CandidateBatch = 50
	}
	return &Matcher{
		orders:  orders,
		settler: settler,
		cfg:     cfg,
		newID:   uuid.NewString,
	}
}

func (m *Matcher) Match(ctx context.Context, taker *order.Order, pair market.TradingPair) (res *Result, err error) {
	ctx, span := trace.Start(ctx, "matching.Match",
		attribute.String("symbol", pair.Symbol),
		attribute.Int64("order_id", int64(taker.ID)),
	)
	defer func() { trace.End(span, err) }()

	start := time.Now()
	defer func() { metrics.MatchDuration.WithLabelValues(pair.Symbol).Observe(time.Since(start).Seconds()) }()

	res = &Result{Taker: taker}
	var skip []uint64
	capped := false

LOOP:
	for res.Taker.Remaining.IsPositive() && res.Taker.Status.Active() {
		if err := xerr.FromContext(ctx); err != nil {
			return res, err
		}
		q := order.MatchQuery{
			PairID: pair.ID,
			Side:   res.Taker.Side.Opposite(),
			Skip:   skip,
			Limit:  m.cfg.CandidateBatch,
		}
		if !res.Taker.IsMarket() {
			// 限价单的价格条件直接下推到查询
			bound := res.Taker.LimitPrice()
			q.Bound = &bound
		}
		candidates, err := m.orders.ListMatchable(ctx, q)
		if err != nil {
			if cerr := xerr.FromContext(ctx); cerr != nil {
				return res, cerr
			}
			return res, xerr.Wrap(err, xerr.DbError, "list candidates")
		}
		if len(candidates) == 0 {
			break
		}

		for _, maker := range candidates {
			if !res.Taker.Remaining.IsPositive() {
				break LOOP
			}
			price := executionPrice(res.Taker, maker)
			qty := decimal.Min(res.Taker.Remaining, maker.Remaining)
			if res.Taker.IsMarket() && res.Taker.Side == order.Buy {
				qty = decimal.Min(qty, affordableQty(pair, res.Taker.Reserved, price))
				if !qty.IsPositive() {
					capped = true
					break LOOP
				}
			}

			mt := Match{
				TradeID:   m.newID(),
				TakerSide: res.Taker.Side,
				Price:     price,
				Quantity:  qty,
			}
			if res.Taker.Side == order.Buy {
				mt.BuyOrderID, mt.SellOrderID = res.Taker.ID, maker.ID
			} else {
				mt.BuyOrderID, mt.SellOrderID = maker.ID, res.Taker.ID
			}

			sr, err := m.settler.Settle(ctx, pair, mt)
			if err != nil {
				if cerr := xerr.FromContext(ctx); cerr != nil {
					return res, cerr
				}
				if !errors.Is(err, ErrNotFillable) && !xerr.Is(err, xerr.SettlementFailure) {
					return res, err
				}
				// 这一笔不做：挂单本轮跳过，taker 以库里为准重新加载
				skip = append(skip, maker.ID)
				if !errors.Is(err, ErrNotFillable) {
					logger.Warn(ctx, "match attempt aborted",
						zap.String("symbol", pair.Symbol),
						zap.Uint64("taker_id", res.Taker.ID),
						zap.Uint64("maker_id", maker.ID),
						zap.Error(err))
				}
				fresh, lerr := m.orders.Get(ctx, res.Taker.ID)
				if lerr != nil {
					return res, xerr.Wrap(lerr, xerr.DbError, "reload taker")
				}
				res.Taker = fresh
				if !fresh.Status.Active() {
					break LOOP
				}
				continue
			}

			res.Trades = append(res.Trades, sr.Trade)
			if res.Taker.Side == order.Buy {
				res.Taker, maker = sr.Buy, sr.Sell
			} else {
				res.Taker, maker = sr.Sell, sr.Buy
			}
			res.Makers = append(res.Makers, maker)
		}
	}

	// 市价单、IOC 不挂单：剩余直接撤，冻结退回
	if res.Taker.Status.Active() && res.Taker.Remaining.IsPositive() &&
		(res.Taker.IsMarket() || res.Taker.TimeInForce == order.IOC || capped) {
		closed, err := m.settler.Close(ctx, pair, res.Taker.ID, CloseCancel, nil)
		if err != nil {
			return res, err
		}
		res.Taker = closed
		res.Closed = true
	}
	return res, nil
}

// executionPrice 有市价单就用挂单价；都是限价单用先到的那一方的价格
func executionPrice(taker, maker *order.Order) decimal.Decimal {
	if taker.IsMarket() || maker.IsMarket() {
		if maker.IsMarket() {
			return taker.LimitPrice()
		}
		return maker.LimitPrice()
	}
	if taker.CreatedAt.Before(maker.CreatedAt) ||
		(taker.CreatedAt.Equal(maker.CreatedAt) && taker.ID < maker.ID) {
		return taker.LimitPrice()
	}
	return maker.LimitPrice()
}
