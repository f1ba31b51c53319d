package trade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"spotex.com/pkg/xerr"
)

// Candle K 线（OHLCV），覆盖 [Start, Start+Interval)
type Candle struct {
	Start    time.Time       `json:"start"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Count    int64           `json:"count"`
}

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

func ParseInterval(s string) (time.Duration, error) {
	d, ok := intervals[s]
	if !ok {
		return 0, xerr.Newf(xerr.RequestParamsError, "unsupported interval %q", s)
	}
	return d, nil
}

// Aggregate 把按时间排好序的成交归桶成 K 线；没有成交的桶不输出
func Aggregate(trades []Trade, interval time.Duration) []Candle {
	if interval <= 0 || len(trades) == 0 {
		return nil
	}
	b := newCandleBuilder(interval, 0)
	for i := range trades {
		b.add(&trades[i])
	}
	return b.candles()
}

// candleBuilder 增量归桶；keep>0 时只留最近 keep 根
type candleBuilder struct {
	intervalMs int64
	label      string
	keep       int
	out        []Candle
	curStart   int64
}

func newCandleBuilder(interval time.Duration, keep int) *candleBuilder {
	return &candleBuilder{
		intervalMs: interval.Milliseconds(),
		label:      intervalLabel(interval),
		keep:       keep,
		out:        make([]Candle, 0, 16),
	}
}

func (b *candleBuilder) add(t *Trade) {
	bs := bucketStartMs(t.CreatedAt.UnixMilli(), b.intervalMs, 0)
	if n := len(b.out); n > 0 {
		if bs == b.curStart {
			// 同桶合并
			cur := &b.out[n-1]
			if t.Price.GreaterThan(cur.High) {
				cur.High = t.Price
			}
			if t.Price.LessThan(cur.Low) {
				cur.Low = t.Price
			}
			cur.Close = t.Price
			cur.Volume = cur.Volume.Add(t.Quantity)
			cur.Count++
			return
		}
		if bs < b.curStart {
			// 输入必须有序；乱序的直接丢
			return
		}
	}
	if b.keep > 0 && len(b.out) == b.keep {
		copy(b.out, b.out[1:])
		b.out = b.out[:len(b.out)-1]
	}
	b.out = append(b.out, Candle{
		Start:    time.UnixMilli(bs).UTC(),
		Interval: b.label,
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   t.Quantity,
		Count:    1,
	})
	b.curStart = bs
}

func (b *candleBuilder) candles() []Candle { return b.out }

// bucketStartMs：((ts+off)/interval)*interval - off
func bucketStartMs(tsMs, intervalMs, offsetMs int64) int64 {
	x := tsMs + offsetMs
	return (x/intervalMs)*intervalMs - offsetMs
}

func intervalLabel(d time.Duration) string {
	for k, v := range intervals {
		if v == d {
			return k
		}
	}
	return fmt.Sprint(d)
}
