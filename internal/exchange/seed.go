package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"spotex.com/internal/market"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/xerr"
)

// ToPair 字符串字段解析成 decimal；空串按 0 处理
func (s PairSeed) ToPair() (market.TradingPair, error) {
	p := market.TradingPair{
		Symbol:            market.NormalizeSymbol(s.Symbol),
		Base:              s.Base,
		Quote:             s.Quote,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
		Active:            true,
	}
	if p.Symbol == "" || p.Base == "" || p.Quote == "" {
		return p, xerr.New(xerr.RequestParamsError, "pair seed requires symbol, base and quote")
	}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{s.MinOrderSize, &p.MinOrderSize},
		{s.MaxOrderSize, &p.MaxOrderSize},
		{s.MakerFeeRate, &p.MakerFeeRate},
		{s.TakerFeeRate, &p.TakerFeeRate},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return p, xerr.Wrap(err, xerr.RequestParamsError, "pair seed "+p.Symbol)
		}
		if v.IsNegative() {
			return p, xerr.Newf(xerr.RequestParamsError, "pair seed %s has a negative value %s", p.Symbol, f.raw)
		}
		*f.dst = v
	}
	return p, nil
}

// SeedPairs 只补缺失的交易对，返回新建的个数
func SeedPairs(ctx context.Context, catalog market.Catalog, seeds []PairSeed) (int, error) {
	n := 0
	for _, s := range seeds {
		p, err := s.ToPair()
		if err != nil {
			return n, err
		}
		_, err = catalog.FindBySymbol(ctx, p.Symbol)
		if err == nil {
			continue
		}
		if !xerr.Is(err, xerr.RecordNotFound) {
			return n, err
		}
		if err := catalog.Create(ctx, &p); err != nil {
			return n, err
		}
		logger.Info(ctx, "trading pair seeded", zap.String("symbol", p.Symbol))
		n++
	}
	return n, nil
}

// SeedDeposit 联调环境造余额用
type SeedDeposit struct {
	UserID uint64
	Asset  string
	Amount decimal.Decimal
}

// ParseSeedDeposits 格式 "1:USDT:1000,2:BTC:0.5"
func ParseSeedDeposits(raw string) ([]SeedDeposit, error) {
	var out []SeedDeposit
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, xerr.Newf(xerr.RequestParamsError, "seed deposit %q, want user:asset:amount", item)
		}
		uid, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil || uid == 0 {
			return nil, xerr.Newf(xerr.RequestParamsError, "seed deposit %q has a bad user id", item)
		}
		amt, err := decimal.NewFromString(parts[2])
		if err != nil || !amt.IsPositive() {
			return nil, xerr.Newf(xerr.RequestParamsError, "seed deposit %q has a bad amount", item)
		}
		asset := strings.ToUpper(strings.TrimSpace(parts[1]))
		if asset == "" {
			return nil, xerr.Newf(xerr.RequestParamsError, "seed deposit %q has no asset", item)
		}
		out = append(out, SeedDeposit{UserID: uid, Asset: asset, Amount: amt})
	}
	if len(out) == 0 {
		return nil, xerr.New(xerr.RequestParamsError, "no seed deposits given")
	}
	return out, nil
}

// SeedDeposits 逐条入金；流水 ref 是 seed:<batch>:<序号>，不做幂等，重复执行会重复入账
func (s *Service) SeedDeposits(ctx context.Context, batch string, ds []SeedDeposit) error {
	for i, d := range ds {
		ref := fmt.Sprintf("seed:%s:%d", batch, i)
		if err := s.Deposit(ctx, d.UserID, d.Asset, ref, d.Amount); err != nil {
			return fmt.Errorf("seed deposit %d (%d %s): %w", i, d.UserID, d.Asset, err)
		}
		logger.Info(ctx, "seed deposit credited",
			zap.Uint64("user_id", d.UserID),
			zap.String("asset", d.Asset),
			zap.String("amount", d.Amount.String()),
			zap.String("ref", ref))
	}
	return nil
}
