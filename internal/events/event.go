// Package events 领域事件：提交之后发出，经总线异步投递到 NATS / Kafka / InfluxDB
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
)

type Type string

const (
	OrderPlaced   Type = "order_placed"
	OrderCanceled Type = "order_canceled"
	OrderExpired  Type = "order_expired" // GTD 到期且一笔没成交
	TradeExecuted Type = "trade_executed"
)

// Version payload 结构变了就加一
const Version = 1

// 撤单原因
const (
	ReasonUser      = "user"
	ReasonRemainder = "remainder" // 市价 / IOC 剩余
	ReasonExpired   = "expired"
	ReasonAborted   = "aborted" // 撮合中途失败（超时等），剩余部分撤掉
)

type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType Type            `json:"event_type"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
}

// PairSnapshot 事件里带的交易对快照，消费方不用再查 catalog
type PairSnapshot struct {
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `json:"taker_fee_rate"`
}

func SnapshotOf(p market.TradingPair) PairSnapshot {
	return PairSnapshot{
		Symbol:       p.Symbol,
		Base:         p.Base,
		Quote:        p.Quote,
		MakerFeeRate: p.MakerFeeRate,
		TakerFeeRate: p.TakerFeeRate,
	}
}

type OrderEvent struct {
	Order  *order.Order `json:"order"`
	Pair   PairSnapshot `json:"pair"`
	Reason string       `json:"reason,omitempty"`
}

type TradeEvent struct {
	Trade *trade.Trade `json:"trade"`
	Pair  PairSnapshot `json:"pair"`
}

func New(typ Type, symbol string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: typ,
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Payload:   raw,
	}, nil
}

func NewOrderPlaced(o *order.Order, p market.TradingPair) (Envelope, error) {
	return New(OrderPlaced, p.Symbol, OrderEvent{Order: o, Pair: SnapshotOf(p)})
}

func NewOrderCanceled(o *order.Order, p market.TradingPair, reason string) (Envelope, error) {
	return New(OrderCanceled, p.Symbol, OrderEvent{Order: o, Pair: SnapshotOf(p), Reason: reason})
}

// NewOrderClosed 按终态选事件类型：expired 发 OrderExpired，其余发 OrderCanceled
func NewOrderClosed(o *order.Order, p market.TradingPair, reason string) (Envelope, error) {
	if o != nil && o.Status == order.StatusExpired {
		return New(OrderExpired, p.Symbol, OrderEvent{Order: o, Pair: SnapshotOf(p), Reason: reason})
	}
	return NewOrderCanceled(o, p, reason)
}

func NewTradeExecuted(t *trade.Trade, p market.TradingPair) (Envelope, error) {
	return New(TradeExecuted, p.Symbol, TradeEvent{Trade: t, Pair: SnapshotOf(p)})
}

func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

func (e Envelope) Decode(out any) error { return json.Unmarshal(e.Payload, out) }

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}
