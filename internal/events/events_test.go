package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/internal/market"
	"spotex.com/internal/order"
	"spotex.com/internal/trade"
	"spotex.com/pkg/breaker"
)

var btc = market.TradingPair{
	ID: 1, Symbol: "BTC-USDT", Base: "BTC", Quote: "USDT",
	MakerFeeRate: decimal.RequireFromString("0.001"),
	TakerFeeRate: decimal.RequireFromString("0.002"),
}

func sampleTrade() *trade.Trade {
	return &trade.Trade{
		TradeID:   "t-1",
		PairID:    1,
		Symbol:    "BTC-USDT",
		Price:     decimal.RequireFromString("100"),
		Quantity:  decimal.RequireFromString("0.5"),
		TakerSide: "buy",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEnvelope_CarriesSnapshot(t *testing.T) {
	price := decimal.RequireFromString("100")
	o := order.New(7, 1, "BTC-USDT", order.Limit, order.Buy, decimal.RequireFromString("1"), &price, order.GTC)
	o.ID = 42

	ev, err := NewOrderCanceled(o, btc, ReasonExpired)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, OrderCanceled, ev.EventType)
	assert.Equal(t, Version, ev.Version)

	raw, err := ev.Encode()
	require.NoError(t, err)
	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, back.EventID)

	var oe OrderEvent
	require.NoError(t, back.Decode(&oe))
	assert.Equal(t, uint64(42), oe.Order.ID)
	assert.Equal(t, "BTC", oe.Pair.Base)
	assert.True(t, btc.TakerFeeRate.Equal(oe.Pair.TakerFeeRate))
	assert.Equal(t, ReasonExpired, oe.Reason)
}

func TestNewOrderClosed_PicksTypeByStatus(t *testing.T) {
	price := decimal.RequireFromString("100")
	o := order.New(7, 1, "BTC-USDT", order.Limit, order.Buy, decimal.RequireFromString("1"), &price, order.GTD)

	o.Status = order.StatusExpired
	ev, err := NewOrderClosed(o, btc, ReasonExpired)
	require.NoError(t, err)
	assert.Equal(t, OrderExpired, ev.EventType)

	// 部分成交后到期，终态是 canceled
	o.Status = order.StatusCanceled
	ev, err = NewOrderClosed(o, btc, ReasonExpired)
	require.NoError(t, err)
	assert.Equal(t, OrderCanceled, ev.EventType)
	var oe OrderEvent
	require.NoError(t, ev.Decode(&oe))
	assert.Equal(t, ReasonExpired, oe.Reason)
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus(2)
	ev, _ := New(OrderPlaced, "BTC-USDT", map[string]int{"a": 1})
	assert.True(t, b.TryPublish(ev))
	assert.True(t, b.TryPublish(ev))
	assert.False(t, b.TryPublish(ev))
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 2, b.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, ev), context.DeadlineExceeded)
}

func TestSubject(t *testing.T) {
	ev := Envelope{EventType: TradeExecuted, Symbol: "BTC.USDT"}
	assert.Equal(t, "exchange.trade_executed.BTC_USDT", Subject("exchange", ev))
}

func TestSpool_OrderAndResume(t *testing.T) {
	dir := t.TempDir()
	sp, err := OpenSpool(dir)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		ev, _ := New(OrderPlaced, "BTC-USDT", i)
		ids = append(ids, ev.EventID)
		require.NoError(t, sp.Put("nats", ev))
	}
	other, _ := New(OrderPlaced, "ETH-USDT", 9)
	require.NoError(t, sp.Put("kafka", other))

	// 第二条失败，停在那里
	var got []string
	n, err := sp.Replay("nats", 0, func(ev Envelope) error {
		if len(got) == 1 {
			return errors.New("down")
		}
		got = append(got, ev.EventID)
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ids[:1], got)
	left, _ := sp.Len("nats")
	assert.Equal(t, 2, left)

	// 重新打开，seq 接着往后，顺序不乱
	require.NoError(t, sp.Close())
	sp, err = OpenSpool(dir)
	require.NoError(t, err)
	defer sp.Close()
	late, _ := New(OrderPlaced, "BTC-USDT", 3)
	require.NoError(t, sp.Put("nats", late))

	got = nil
	n, err = sp.Replay("nats", 0, func(ev Envelope) error {
		got = append(got, ev.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{ids[1], ids[2], late.EventID}, got)

	kl, _ := sp.Len("kafka")
	assert.Equal(t, 1, kl)
}

func TestDispatcher_SpoolsAndRedelivers(t *testing.T) {
	ctx := context.Background()
	sp, err := OpenSpool(t.TempDir())
	require.NoError(t, err)

	good, flaky := NewMemorySink(), &namedSink{MemorySink: NewMemorySink(), name: "flaky"}
	d := NewDispatcher(NewBus(8), breaker.NewManager(breaker.Rule{TripConsecutiveFailures: 100}, nil), sp, DispatcherConfig{}, good, flaky)
	defer d.Close()

	flaky.FailWith(errors.New("broker down"))
	e1, _ := NewTradeExecuted(sampleTrade(), btc)
	e2, _ := NewTradeExecuted(sampleTrade(), btc)
	d.Dispatch(ctx, e1)

	// 故障恢复后，新事件仍然排在积压后面
	flaky.FailWith(nil)
	d.Dispatch(ctx, e2)
	assert.Len(t, good.Events(), 2)
	assert.Empty(t, flaky.Events())

	d.Redeliver(ctx)
	got := flaky.Events()
	require.Len(t, got, 2)
	assert.Equal(t, e1.EventID, got[0].EventID)
	assert.Equal(t, e2.EventID, got[1].EventID)

	// 积压清空后直接投
	e3, _ := NewTradeExecuted(sampleTrade(), btc)
	d.Dispatch(ctx, e3)
	assert.Len(t, flaky.Events(), 3)
}

func TestDispatcher_StartDrainsBus(t *testing.T) {
	bus := NewBus(16)
	sink := NewMemorySink()
	d := NewDispatcher(bus, nil, nil, DispatcherConfig{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	for i := 0; i < 5; i++ {
		ev, _ := New(OrderPlaced, "BTC-USDT", i)
		require.True(t, bus.TryPublish(ev))
	}
	assert.Eventually(t, func() bool { return len(sink.Events()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()
}

func TestKafkaSink(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	var key string
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		k, err := msg.Key.Encode()
		key = string(k)
		return err
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSinkWithProducer(p, "")
	ev, _ := NewTradeExecuted(sampleTrade(), btc)
	require.NoError(t, s.Deliver(context.Background(), ev))
	assert.Equal(t, "BTC-USDT", key)
	assert.ErrorIs(t, s.Deliver(context.Background(), ev), sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

func TestTradePoint(t *testing.T) {
	p := TradePoint(sampleTrade())
	assert.Equal(t, "trade", p.Name())
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 100.0, fields["price"])
	assert.Equal(t, 50.0, fields["notional"])
}

type namedSink struct {
	*MemorySink
	name string
}

func (s *namedSink) Name() string { return s.name }
