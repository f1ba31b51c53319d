// Package exchange 下单 / 撤单 / 行情查询的业务入口，HTTP 适配层只调这里
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"spotex.com/internal/engine"
	"spotex.com/internal/events"
	"spotex.com/internal/ledger"
	"spotex.com/internal/market"
	"spotex.com/internal/matching"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/safe"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/xerr"
)

// Publisher 事件出口，Bus 实现；不能阻塞调用方
type Publisher interface {
	TryPublish(ev events.Envelope) bool
}

type nopPublisher struct{}

func (nopPublisher) TryPublish(events.Envelope) bool { return true }

type PlaceOrderReq struct {
	UserID      uint64
	Symbol      string
	Type        order.Type
	Side        order.Side
	Quantity    decimal.Decimal
	Price       *decimal.Decimal
	TimeInForce order.TimeInForce
	ExpireAt    *time.Time
}

type OrderBook struct {
	Symbol    string        `json:"symbol"`
	Bids      []order.Level `json:"bids"`
	Asks      []order.Level `json:"asks"`
	Timestamp time.Time     `json:"timestamp"`
}

type CancelAllResult struct {
	Canceled []*order.Order    `json:"canceled"`
	Failed   map[uint64]string `json:"failed,omitempty"`
}

const (
	defaultDepth = 20
	maxDepth     = 500
)

type Service struct {
	db      *gorm.DB
	catalog market.Catalog
	ledger  *ledger.Ledger
	orders  order.Repo
	trades  *trade.Recorder
	settler *matching.Settler
	matcher *matching.Matcher
	engine  *engine.Engine
	events  Publisher
	cfg     ExchangeCfg
	buyBuf  decimal.Decimal
	now     func() time.Time
}

func NewService(db *gorm.DB, catalog market.Catalog, l *ledger.Ledger, orders order.Repo, trades trade.Repo,
	eng *engine.Engine, pub Publisher, cfg ExchangeCfg) *Service {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = nopPublisher{}
	}
	settler := matching.NewSettler(db, l, orders, trades)
	return &Service{
		db:      db,
		catalog: catalog,
		ledger:  l,
		orders:  orders,
		trades:  trade.NewRecorder(trades),
		settler: settler,
		matcher: matching.NewMatcher(orders, settler, matching.Config{CandidateBatch: cfg.CandidateBatch}),
		engine:  eng,
		events:  pub,
		cfg:     cfg,
		buyBuf:  decimal.NewFromFloat(*cfg.MarketBuyBuffer),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder 校验、冻结、落库、撮合，整个过程在交易对的 actor 上跑；
// 返回时订单状态已经反映了立即成交的部分。
// 撮合中途失败（超时等）时订单已经落库：剩余部分撤掉、冻结退回，
// 返回的订单和错误一起给出，调用方应按订单号查询而不是重新下单
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderReq) (o *order.Order, err error) {
	symbol := market.NormalizeSymbol(req.Symbol)
	ctx, span := trace.Start(ctx, "exchange.PlaceOrder",
		attribute.String("symbol", symbol),
		attribute.String("side", string(req.Side)),
		attribute.String("type", string(req.Type)),
	)
	defer func() { trace.End(span, err) }()
	defer func() {
		if err != nil && o == nil {
			metrics.OrdersRejected.WithLabelValues(symbol, xerr.MapErrMsg(xerr.CodeOf(err))).Inc()
		}
	}()

	pair, err := s.admissionPair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := s.validate(pair, &req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MatchTimeout)
	defer cancel()

	err = s.engine.Do(ctx, pair.Symbol, func(ctx context.Context) error {
		placed, jerr := s.admit(ctx, pair, req)
		if jerr != nil {
			return jerr
		}
		o = placed
		res, jerr := s.matcher.Match(ctx, placed, pair)
		if res != nil {
			o = res.Taker
			s.publishMatch(ctx, pair, res)
		}
		if jerr != nil {
			o = s.closeAfterFailure(ctx, pair, o)
			return jerr
		}
		return nil
	})
	if err != nil {
		return o, err
	}
	metrics.OrdersPlaced.WithLabelValues(pair.Symbol, string(req.Type), string(req.Side)).Inc()
	return o, nil
}

func (s *Service) admissionPair(ctx context.Context, symbol string) (market.TradingPair, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if xerr.Is(err, xerr.RecordNotFound) {
		return pair, xerr.Newf(xerr.RequestParamsError, "unknown trading pair %s", symbol)
	}
	if err != nil {
		return pair, err
	}
	if !pair.Active {
		return pair, xerr.Newf(xerr.RequestParamsError, "trading pair %s is not active", symbol)
	}
	return pair, nil
}

func (s *Service) validate(pair market.TradingPair, req *PlaceOrderReq) error {
	if req.UserID == 0 {
		return xerr.New(xerr.RequestParamsError, "user id required")
	}
	if req.Side != order.Buy && req.Side != order.Sell {
		return xerr.Newf(xerr.RequestParamsError, "invalid side %q", req.Side)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = order.GTC
	}
	switch req.TimeInForce {
	case order.GTC, order.IOC, order.GTD:
	default:
		return xerr.Newf(xerr.RequestParamsError, "invalid time in force %q", req.TimeInForce)
	}
	switch req.Type {
	case order.Limit:
		if req.Price == nil {
			return xerr.New(xerr.RequestParamsError, "limit order requires a price")
		}
		if err := pair.ValidatePrice(*req.Price); err != nil {
			return err
		}
	case order.Market:
		if req.Price != nil {
			return xerr.New(xerr.RequestParamsError, "market order must not carry a price")
		}
		if req.TimeInForce == order.GTD {
			return xerr.New(xerr.RequestParamsError, "market order cannot be GTD")
		}
	default:
		return xerr.Newf(xerr.RequestParamsError, "invalid order type %q", req.Type)
	}
	if err := pair.ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	if req.TimeInForce == order.GTD {
		if req.ExpireAt == nil || !req.ExpireAt.After(s.now()) {
			return xerr.New(xerr.RequestParamsError, "GTD order requires a future expire_at")
		}
		at := req.ExpireAt.UTC()
		req.ExpireAt = &at
	} else if req.ExpireAt != nil {
		return xerr.New(xerr.RequestParamsError, "expire_at is only valid for GTD orders")
	}
	return nil
}

// admit 算冻结额，冻结 + 建单一个事务；冻结失败订单不会落库
func (s *Service) admit(ctx context.Context, pair market.TradingPair, req PlaceOrderReq) (*order.Order, error) {
	reserve, err := s.reservation(ctx, pair, req)
	if err != nil {
		return nil, err
	}
	o := order.New(req.UserID, pair.ID, pair.Symbol, req.Type, req.Side, req.Quantity, req.Price, req.TimeInForce)
	o.ExpireAt = req.ExpireAt
	o.Reserved = reserve
	o.CreatedAt = s.now()

	err = orm.Transaction(ctx, s.db, func(txCtx context.Context) error {
		if err := s.orders.Create(txCtx, o); err != nil {
			return xerr.Wrap(err, xerr.DbError, "create order")
		}
		asset := o.ReserveAsset(pair.Base, pair.Quote)
		return s.ledger.Lock(txCtx, ledger.User(o.UserID), asset, reserve, ledger.OrderRef(o.ID))
	})
	if err != nil {
		if cerr := xerr.FromContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	s.ledger.Invalidate(ctx, o.UserID)
	s.emit(ctx)(events.NewOrderPlaced(o, pair))
	logger.Debug(ctx, "order admitted",
		zap.Uint64("order_id", o.ID),
		zap.String("symbol", pair.Symbol),
		zap.String("reserved", reserve.String()))
	return o, nil
}

// reservation 卖单冻结 base 数量；限价买冻结 qty*price*(1+max fee)；
// 市价买按卖一价加缓冲估算，没有卖单直接拒绝
func (s *Service) reservation(ctx context.Context, pair market.TradingPair, req PlaceOrderReq) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if req.Side == order.Sell {
		return req.Quantity, nil
	}
	if req.Type == order.Limit {
		return req.Quantity.Mul(*req.Price).Mul(one.Add(pair.MaxFeeRate())), nil
	}
	best, ok, err := s.orders.BestPrice(ctx, pair.ID, order.Sell)
	if err != nil {
		return decimal.Zero, xerr.Wrap(err, xerr.DbError, "query best ask")
	}
	if !ok {
		return decimal.Zero, xerr.Newf(xerr.RequestParamsError, "no liquidity for market buy on %s", pair.Symbol)
	}
	return req.Quantity.Mul(best).Mul(one.Add(s.buyBuf)).Mul(one.Add(pair.TakerFeeRate)), nil
}

// closeAfterFailure 撮合中途出错（超时等）时剩余部分不挂单：
// 这一轮没走完，留在簿上可能和对手盘交叉
func (s *Service) closeAfterFailure(ctx context.Context, pair market.TradingPair, o *order.Order) *order.Order {
	if o == nil || !o.Status.Active() {
		return o
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MatchTimeout)
	defer cancel()
	closed, err := s.settler.Close(cctx, pair, o.ID, matching.CloseCancel, nil)
	if err != nil {
		logger.Error(ctx, "❌ close remainder after match failure", zap.Uint64("order_id", o.ID), zap.Error(err))
		return o
	}
	metrics.OrdersCanceled.WithLabelValues(pair.Symbol, events.ReasonAborted).Inc()
	s.emit(ctx)(events.NewOrderCanceled(closed, pair, events.ReasonAborted))
	return closed
}

func (s *Service) publishMatch(ctx context.Context, pair market.TradingPair, res *matching.Result) {
	for _, t := range res.Trades {
		s.emit(ctx)(events.NewTradeExecuted(t, pair))
	}
	if res.Closed {
		metrics.OrdersCanceled.WithLabelValues(pair.Symbol, events.ReasonRemainder).Inc()
		s.emit(ctx)(events.NewOrderCanceled(res.Taker, pair, events.ReasonRemainder))
	}
}

// emit 用法 s.emit(ctx)(events.NewXxx(...))
func (s *Service) emit(ctx context.Context) func(events.Envelope, error) {
	return func(ev events.Envelope, err error) { s.publish(ctx, ev, err) }
}

func (s *Service) publish(ctx context.Context, ev events.Envelope, err error) {
	if err != nil {
		logger.Error(ctx, "build event failed", zap.Error(err))
		return
	}
	if !s.events.TryPublish(ev) {
		logger.Warn(ctx, "event bus full, event dropped",
			zap.String("event_type", string(ev.EventType)),
			zap.String("event_id", ev.EventID))
	}
}

// CancelOrder 在交易对 actor 上执行，锁单后校验归属和状态
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uint64) (*order.Order, error) {
	o, err := s.loadOwned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return s.closeOrder(ctx, o.Symbol, orderID, matching.CloseCancel, events.ReasonUser, func(locked *order.Order) error {
		if locked.UserID != userID {
			return xerr.New(xerr.Forbidden, "order belongs to another user")
		}
		return nil
	})
}

func (s *Service) closeOrder(ctx context.Context, symbol string, orderID uint64, mode matching.CloseMode, reason string,
	check func(*order.Order) error) (*order.Order, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MatchTimeout)
	defer cancel()

	var closed *order.Order
	err = s.engine.Do(ctx, pair.Symbol, func(ctx context.Context) error {
		var jerr error
		closed, jerr = s.settler.Close(ctx, pair, orderID, mode, check)
		return jerr
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersCanceled.WithLabelValues(pair.Symbol, reason).Inc()
	s.emit(ctx)(events.NewOrderClosed(closed, pair, reason))
	return closed, nil
}

// CancelAllOrders 单个失败不影响其他，失败原因按订单号返回
func (s *Service) CancelAllOrders(ctx context.Context, userID uint64, symbol string) (*CancelAllResult, error) {
	var pairID uint64
	if symbol != "" {
		pair, err := s.catalog.FindBySymbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		pairID = pair.ID
	}
	open, err := s.orders.ListOpenByUser(ctx, userID, pairID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list open orders")
	}
	res := &CancelAllResult{Canceled: make([]*order.Order, 0, len(open))}
	for _, o := range open {
		closed, err := s.CancelOrder(ctx, userID, o.ID)
		if err != nil {
			if res.Failed == nil {
				res.Failed = make(map[uint64]string)
			}
			res.Failed[o.ID] = err.Error()
			if cerr := xerr.FromContext(ctx); cerr != nil {
				return res, cerr
			}
			continue
		}
		res.Canceled = append(res.Canceled, closed)
	}
	return res, nil
}

// ExpireOrders GTD 到期：open -> expired，部分成交 -> canceled
func (s *Service) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.orders.ListExpired(ctx, now, s.cfg.ExpireBatch)
	if err != nil {
		return 0, xerr.Wrap(err, xerr.DbError, "list expired orders")
	}
	n := 0
	for _, o := range due {
		_, err := s.closeOrder(ctx, o.Symbol, o.ID, matching.CloseExpire, events.ReasonExpired, func(locked *order.Order) error {
			if locked.ExpireAt == nil || locked.ExpireAt.After(now) {
				return xerr.New(xerr.InvalidState, "order not due")
			}
			return nil
		})
		switch {
		case err == nil:
			n++
		case xerr.Is(err, xerr.InvalidState):
			// 撮合或撤单先到了
		default:
			logger.Warn(ctx, "expire order failed", zap.Uint64("order_id", o.ID), zap.Error(err))
			if cerr := xerr.FromContext(ctx); cerr != nil {
				return n, cerr
			}
		}
	}
	return n, nil
}

// StartExpirySweeper 定时扫到期的 GTD 单
func (s *Service) StartExpirySweeper(ctx context.Context) {
	safe.Every(ctx, s.cfg.ExpireInterval, func(ctx context.Context) {
		n, err := s.ExpireOrders(ctx, s.now())
		if err != nil {
			logger.Warn(ctx, "expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info(ctx, "⏰ GTD orders expired", zap.Int("count", n))
		}
	})
}

func (s *Service) loadOwned(ctx context.Context, userID, orderID uint64) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if orm.IsNotFound(err) {
		return nil, xerr.Newf(xerr.RecordNotFound, "order %d not found", orderID)
	}
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "get order")
	}
	if o.UserID != userID {
		return nil, xerr.New(xerr.Forbidden, "order belongs to another user")
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID uint64) (*order.Order, error) {
	return s.loadOwned(ctx, userID, orderID)
}

// OrderTrades 某个订单的成交明细
func (s *Service) OrderTrades(ctx context.Context, userID, orderID uint64) ([]trade.Trade, error) {
	if _, err := s.loadOwned(ctx, userID, orderID); err != nil {
		return nil, err
	}
	out, err := s.trades.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list order trades")
	}
	return out, nil
}

func (s *Service) ListOpenOrders(ctx context.Context, userID uint64, symbol string) ([]*order.Order, error) {
	var pairID uint64
	if symbol != "" {
		pair, err := s.catalog.FindBySymbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		pairID = pair.ID
	}
	out, err := s.orders.ListOpenByUser(ctx, userID, pairID)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list open orders")
	}
	return out, nil
}

func (s *Service) ListOrderHistory(ctx context.Context, userID uint64, page, limit int) ([]*order.Order, error) {
	out, err := s.orders.ListByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list orders")
	}
	return out, nil
}

func (s *Service) GetBalances(ctx context.Context, userID uint64, asset string) ([]ledger.Balance, error) {
	return s.ledger.Balances(ctx, userID, asset)
}

// Deposit 入金；真正的充值流程在钱包服务，这里只提供记账入口（种子数据 / 测试）
func (s *Service) Deposit(ctx context.Context, userID uint64, asset, txRef string, amount decimal.Decimal) error {
	if userID == 0 || asset == "" || !amount.IsPositive() {
		return xerr.New(xerr.RequestParamsError, "user, asset and a positive amount are required")
	}
	return s.ledger.Credit(ctx, ledger.User(userID), asset, amount, ledger.Ref{Type: ledger.RefDeposit, ID: txRef})
}

func (s *Service) ListPairs(ctx context.Context) ([]market.TradingPair, error) {
	return s.catalog.FindActive(ctx)
}

// GetOrderBook 只读投影，撮合不用它
func (s *Service) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	switch {
	case depth < 0:
		return nil, xerr.New(xerr.RequestParamsError, "depth must not be negative")
	case depth == 0:
		depth = defaultDepth
	case depth > maxDepth:
		depth = maxDepth
	}
	bids, err := s.orders.Depth(ctx, pair.ID, order.Buy, depth)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query bids")
	}
	asks, err := s.orders.Depth(ctx, pair.ID, order.Sell, depth)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query asks")
	}
	return &OrderBook{Symbol: pair.Symbol, Bids: bids, Asks: asks, Timestamp: s.now()}, nil
}

func (s *Service) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]trade.Trade, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out, err := s.trades.Recent(ctx, pair.ID, limit)
	if err != nil {
		return nil, wrapDB(err, "list recent trades")
	}
	return out, nil
}

func (s *Service) Get24hStats(ctx context.Context, symbol string) (trade.Stats, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if err != nil {
		return trade.Stats{}, err
	}
	st, err := s.trades.Stats24h(ctx, pair.ID, pair.Symbol, s.now())
	if err != nil {
		return trade.Stats{}, wrapDB(err, "query 24h stats")
	}
	return st, nil
}

func (s *Service) GetOHLCVData(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]trade.Candle, error) {
	pair, err := s.catalog.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		iv, err := trade.ParseInterval(interval)
		if err != nil {
			return nil, err
		}
		n := limit
		if n <= 0 {
			n = 100
		}
		from = to.Add(-time.Duration(n) * iv)
	}
	out, err := s.trades.OHLCV(ctx, pair.ID, interval, from, to, limit)
	if err != nil {
		return nil, wrapDB(err, "query candles")
	}
	return out, nil
}

func wrapDB(err error, msg string) error {
	if _, ok := xerr.As(err); ok {
		return err
	}
	return xerr.Wrap(err, xerr.DbError, msg)
}
