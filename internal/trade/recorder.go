package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/xerr"
)

// Stats 24 小时行情
type Stats struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Last          decimal.Decimal `json:"last"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	Count         int64           `json:"count"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
}

const (
	maxRecentTrades = 500
	maxCandles      = 1000
	scanBatch       = 1000
)

// Recorder 成交的读写入口：写只有 Append，读是行情类查询
type Recorder struct {
	repo Repo
}

func NewRecorder(repo Repo) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Append(ctx context.Context, t *Trade) (*Trade, bool, error) {
	return r.repo.Append(ctx, t)
}

func (r *Recorder) GetByTradeID(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := r.repo.GetByTradeID(ctx, tradeID)
	if orm.IsNotFound(err) {
		return nil, xerr.Newf(xerr.RecordNotFound, "trade %s not found", tradeID)
	}
	return t, err
}

func (r *Recorder) ListByOrder(ctx context.Context, orderID uint64) ([]Trade, error) {
	return r.repo.ListByOrder(ctx, orderID)
}

// Recent 最新成交在前
func (r *Recorder) Recent(ctx context.Context, pairID uint64, limit int) ([]Trade, error) {
	if limit <= 0 || limit > maxRecentTrades {
		limit = maxRecentTrades
	}
	trades, err := r.repo.ListRecent(ctx, pairID, limit)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "list recent trades")
	}
	return trades, nil
}

// Stats24h 统计 [now-24h, now)
func (r *Recorder) Stats24h(ctx context.Context, pairID uint64, symbol string, now time.Time) (Stats, error) {
	from := now.Add(-24 * time.Hour)
	st := Stats{
		Symbol:        symbol,
		Open:          decimal.Zero,
		High:          decimal.Zero,
		Low:           decimal.Zero,
		Last:          decimal.Zero,
		Volume:        decimal.Zero,
		QuoteVolume:   decimal.Zero,
		Change:        decimal.Zero,
		ChangePercent: decimal.Zero,
		From:          from,
		To:            now,
	}

	sum, err := r.repo.Summarize(ctx, pairID, from, now)
	if err != nil {
		return Stats{}, xerr.Wrap(err, xerr.DbError, "summarize trades")
	}
	if sum.Count == 0 {
		return st, nil
	}
	first, err := r.repo.Edge(ctx, pairID, from, now, true)
	if err != nil {
		return Stats{}, xerr.Wrap(err, xerr.DbError, "load first trade")
	}
	last, err := r.repo.Edge(ctx, pairID, from, now, false)
	if err != nil {
		return Stats{}, xerr.Wrap(err, xerr.DbError, "load last trade")
	}

	st.Open = first.Price
	st.Last = last.Price
	st.High = sum.High
	st.Low = sum.Low
	st.Volume = sum.Volume
	st.QuoteVolume = sum.QuoteVolume
	st.Count = sum.Count
	st.Change = last.Price.Sub(first.Price)
	if first.Price.IsPositive() {
		st.ChangePercent = st.Change.Div(first.Price).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return st, nil
}

// OHLCV to 为零取 now；from 为零或早于 to 往前 limit 根时，按 limit 根往前推。
// 成交分批扫描，内存里只有一批成交和最多 limit 根 K 线
func (r *Recorder) OHLCV(ctx context.Context, pairID uint64, interval string, from, to time.Time, limit int) ([]Candle, error) {
	iv, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxCandles {
		limit = maxCandles
	}
	if to.IsZero() {
		to = time.Now()
	}
	if !from.IsZero() && !from.Before(to) {
		return nil, xerr.New(xerr.RequestParamsError, "from must be before to")
	}
	// 最多只要最近 limit 根，更早的成交不用扫
	earliest := to.Add(-time.Duration(limit) * iv)
	if from.Before(earliest) {
		from = earliest
	}
	// 起点对齐到桶边界，避免第一根 K 线只统计半个周期
	from = time.UnixMilli(bucketStartMs(from.UnixMilli(), iv.Milliseconds(), 0)).UTC()

	b := newCandleBuilder(iv, limit)
	err = r.repo.ScanRange(ctx, pairID, from, to, scanBatch, func(page []Trade) error {
		for i := range page {
			b.add(&page[i])
		}
		return ctx.Err()
	})
	if err != nil {
		if cerr := xerr.FromContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, xerr.Wrap(err, xerr.DbError, "scan trades")
	}
	return b.candles(), nil
}
