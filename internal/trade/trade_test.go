package trade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/pkg/orm/ormtest"
	"spotex.com/pkg/xerr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func mk(id int, price, qty string, at time.Time) *Trade {
	return &Trade{
		TradeID:     fmt.Sprintf("t-%d", id),
		PairID:      1,
		Symbol:      "BTC-USDT",
		BuyOrderID:  uint64(100 + id),
		SellOrderID: 1,
		BuyerID:     2,
		SellerID:    1,
		Price:       d(price),
		Quantity:    d(qty),
		BuyerFee:    decimal.Zero,
		SellerFee:   decimal.Zero,
		TakerSide:   "buy",
		CreatedAt:   at,
	}
}

func newRecorder(t *testing.T, trades ...*Trade) *Recorder {
	t.Helper()
	db := ormtest.NewSQLite(t, &Trade{})
	r := NewRecorder(NewRepo(db))
	for _, tr := range trades {
		_, existed, err := r.Append(context.Background(), tr)
		require.NoError(t, err)
		require.False(t, existed)
	}
	return r
}

func TestRecorder_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, mk(1, "100", "1", t0))

	dup := mk(1, "999", "5", t0.Add(time.Minute))
	stored, existed, err := r.Append(ctx, dup)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.True(t, d("100").Equal(stored.Price), "existing trade must win")

	got, err := r.GetByTradeID(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, d("1").Equal(got.Quantity))

	_, err = r.GetByTradeID(ctx, "nope")
	assert.True(t, xerr.Is(err, xerr.RecordNotFound))

	byOrder, err := r.ListByOrder(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, byOrder, 1)
}

func TestRecorder_Recent(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t,
		mk(1, "100", "1", t0),
		mk(2, "101", "1", t0.Add(time.Second)),
		mk(3, "102", "1", t0.Add(2*time.Second)),
	)
	got, err := r.Recent(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t-3", got[0].TradeID)
	assert.Equal(t, "t-2", got[1].TradeID)
}

func TestRecorder_Stats24h(t *testing.T) {
	ctx := context.Background()
	now := t0.Add(25 * time.Hour)
	r := newRecorder(t,
		mk(1, "50", "8", t0), // 窗口外
		mk(2, "100", "1", now.Add(-20*time.Hour)),
		mk(3, "120", "0.5", now.Add(-10*time.Hour)),
		mk(4, "90", "2", now.Add(-5*time.Hour)),
		mk(5, "110", "0.25", now.Add(-time.Minute)),
	)

	st, err := r.Stats24h(ctx, 1, "BTC-USDT", now)
	require.NoError(t, err)
	assert.True(t, d("100").Equal(st.Open))
	assert.True(t, d("120").Equal(st.High))
	assert.True(t, d("90").Equal(st.Low))
	assert.True(t, d("110").Equal(st.Last))
	assert.True(t, d("3.75").Equal(st.Volume), "volume=%s", st.Volume)
	// 100 + 60 + 180 + 27.5
	assert.True(t, d("367.5").Equal(st.QuoteVolume), "quote=%s", st.QuoteVolume)
	assert.Equal(t, int64(4), st.Count)
	assert.True(t, d("10").Equal(st.Change))
	assert.True(t, d("10").Equal(st.ChangePercent))

	empty, err := r.Stats24h(ctx, 2, "ETH-USDT", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Count)
	assert.True(t, empty.Last.IsZero())
}

func TestAggregate(t *testing.T) {
	trades := []Trade{
		*mk(1, "100", "1", t0.Add(5*time.Second)),
		*mk(2, "105", "0.5", t0.Add(20*time.Second)),
		*mk(3, "95", "0.25", t0.Add(40*time.Second)),
		*mk(4, "101", "1", t0.Add(59*time.Second)),
		// 中间空一分钟
		*mk(5, "99", "2", t0.Add(2*time.Minute+time.Second)),
	}
	candles := Aggregate(trades, time.Minute)
	require.Len(t, candles, 2)

	c := candles[0]
	assert.Equal(t, t0, c.Start)
	assert.Equal(t, "1m", c.Interval)
	assert.True(t, d("100").Equal(c.Open))
	assert.True(t, d("105").Equal(c.High))
	assert.True(t, d("95").Equal(c.Low))
	assert.True(t, d("101").Equal(c.Close))
	assert.True(t, d("2.75").Equal(c.Volume))
	assert.Equal(t, int64(4), c.Count)

	assert.Equal(t, t0.Add(2*time.Minute), candles[1].Start)
	assert.Equal(t, int64(1), candles[1].Count)
}

func TestBucketStartMs(t *testing.T) {
	hour := int64(time.Hour / time.Millisecond)
	half := int64(30 * time.Minute / time.Millisecond)

	ts := t0.Add(45 * time.Minute).UnixMilli()
	assert.Equal(t, t0.UnixMilli(), bucketStartMs(ts, hour, 0))
	// 按半小时偏移对齐
	assert.Equal(t, t0.Add(30*time.Minute).UnixMilli(), bucketStartMs(ts, hour, half))
}

func TestRecorder_OHLCV(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t,
		mk(1, "100", "1", t0.Add(time.Minute)),
		mk(2, "110", "1", t0.Add(10*time.Minute)),
		mk(3, "90", "1", t0.Add(70*time.Minute)),
		mk(4, "95", "1", t0.Add(130*time.Minute)),
	)

	candles, err := r.OHLCV(ctx, 1, "1h", t0.Add(5*time.Minute), t0.Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	// from 对齐到整点，10:01 的成交也算进第一根
	assert.True(t, d("100").Equal(candles[0].Open))
	assert.True(t, d("110").Equal(candles[0].Close))

	candles, err = r.OHLCV(ctx, 1, "1h", t0, t0.Add(3*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, t0.Add(time.Hour), candles[0].Start)

	_, err = r.OHLCV(ctx, 1, "7m", t0, t0.Add(time.Hour), 0)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
	_, err = r.OHLCV(ctx, 1, "1m", t0.Add(time.Hour), t0, 0)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
}

func TestRepo_ScanRangePages(t *testing.T) {
	ctx := context.Background()
	db := ormtest.NewSQLite(t, &Trade{})
	repo := NewRepo(db)
	// 同一时刻的成交靠 id 定先后
	for i, at := range []time.Duration{0, time.Second, time.Second, time.Second, 2 * time.Second} {
		_, _, err := repo.Append(ctx, mk(i+1, "100", "1", t0.Add(at)))
		require.NoError(t, err)
	}

	var ids []string
	pages := 0
	err := repo.ScanRange(ctx, 1, t0, t0.Add(time.Minute), 2, func(page []Trade) error {
		pages++
		assert.LessOrEqual(t, len(page), 2)
		for _, tr := range page {
			ids = append(ids, tr.TradeID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2", "t-3", "t-4", "t-5"}, ids)
	assert.Equal(t, 3, pages)

	// 回调出错就停
	boom := fmt.Errorf("stop")
	err = repo.ScanRange(ctx, 1, t0, t0.Add(time.Minute), 2, func([]Trade) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRecorder_OHLCVOnlyScansRequestedWindow(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t,
		mk(1, "50", "1", t0.Add(-30*24*time.Hour)),
		mk(2, "100", "1", t0.Add(time.Minute)),
		mk(3, "101", "1", t0.Add(61*time.Minute)),
	)
	// from 写得很早，也只返回最近 2 根
	candles, err := r.OHLCV(ctx, 1, "1h", t0.Add(-365*24*time.Hour), t0.Add(2*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, t0, candles[0].Start)
	assert.True(t, d("100").Equal(candles[0].Open))
	assert.Equal(t, t0.Add(time.Hour), candles[1].Start)
}
