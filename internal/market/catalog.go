package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/safe"
	"spotex.com/pkg/xerr"
)

// Catalog 撮合/下单读交易对配置的入口
type Catalog interface {
	FindActive(ctx context.Context) ([]TradingPair, error)
	FindBySymbol(ctx context.Context, symbol string) (TradingPair, error)
	SetActive(ctx context.Context, symbol string, active bool) error
	Create(ctx context.Context, p *TradingPair) error
}

// CachedCatalog：DB -> 内存缓存，支持定时刷新；读路径只有 RLock
type CachedCatalog struct {
	repo PairRepo

	mu     sync.RWMutex
	cache  map[string]TradingPair
	ttl    time.Duration
	sf     singleflight.Group
	lastAt time.Time
}

var _ Catalog = (*CachedCatalog)(nil)

func NewCachedCatalog(repo PairRepo, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		repo:  repo,
		cache: make(map[string]TradingPair),
		ttl:   ttl,
	}
}

func (c *CachedCatalog) FindActive(ctx context.Context) ([]TradingPair, error) {
	if err := c.EnsureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]TradingPair, 0, len(c.cache))
	for _, p := range c.cache {
		if p.Active {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// FindBySymbol 不存在返回 RecordNotFound；停用的交易对照样返回，由调用方判断 Active
func (c *CachedCatalog) FindBySymbol(ctx context.Context, symbol string) (TradingPair, error) {
	symbol = NormalizeSymbol(symbol)
	if err := c.EnsureFresh(ctx); err != nil {
		return TradingPair{}, err
	}
	c.mu.RLock()
	p, ok := c.cache[symbol]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	// 缓存还没刷到的新交易对，回源一次
	v, err, _ := c.sf.Do("symbol:"+symbol, func() (any, error) {
		return c.repo.FindBySymbol(ctx, symbol)
	})
	if orm.IsNotFound(err) {
		return TradingPair{}, xerr.Newf(xerr.RecordNotFound, "trading pair %s not found", symbol)
	}
	if err != nil {
		return TradingPair{}, xerr.Wrap(err, xerr.DbError, "load trading pair")
	}
	found := *(v.(*TradingPair))
	c.mu.Lock()
	c.cache[found.Symbol] = found
	c.mu.Unlock()
	return found, nil
}

func (c *CachedCatalog) SetActive(ctx context.Context, symbol string, active bool) error {
	symbol = NormalizeSymbol(symbol)
	if err := c.repo.SetActive(ctx, symbol, active); err != nil {
		if orm.IsNotFound(err) {
			return xerr.Newf(xerr.RecordNotFound, "trading pair %s not found", symbol)
		}
		return xerr.Wrap(err, xerr.DbError, "update trading pair")
	}
	logger.Info(ctx, "trading pair status changed", zap.String("symbol", symbol), zap.Bool("active", active))
	return c.Reload(ctx)
}

func (c *CachedCatalog) Create(ctx context.Context, p *TradingPair) error {
	p.Symbol = NormalizeSymbol(p.Symbol)
	if p.Symbol == "" || p.Base == "" || p.Quote == "" {
		return xerr.New(xerr.RequestParamsError, "symbol, base and quote are required")
	}
	if p.PricePrecision < 0 || p.PricePrecision > 18 || p.QuantityPrecision < 0 || p.QuantityPrecision > 18 {
		return xerr.New(xerr.RequestParamsError, "precision must be within [0, 18]")
	}
	if p.MakerFeeRate.IsNegative() || p.TakerFeeRate.IsNegative() {
		return xerr.New(xerr.RequestParamsError, "fee rate must not be negative")
	}
	if err := c.repo.Create(ctx, p); err != nil {
		if orm.IsDuplicate(err) {
			return xerr.Newf(xerr.InvalidState, "trading pair %s already exists", p.Symbol)
		}
		return xerr.Wrap(err, xerr.DbError, "create trading pair")
	}
	c.mu.Lock()
	c.cache[p.Symbol] = *p
	c.mu.Unlock()
	return nil
}

// EnsureFresh 超过 ttl 才回源；并发只会打一次 DB
func (c *CachedCatalog) EnsureFresh(ctx context.Context) error {
	c.mu.RLock()
	need := c.lastAt.IsZero() || (c.ttl > 0 && time.Since(c.lastAt) > c.ttl)
	c.mu.RUnlock()
	if !need {
		return nil
	}
	return c.Reload(ctx)
}

func (c *CachedCatalog) Reload(ctx context.Context) error {
	_, err, _ := c.sf.Do("reload", func() (any, error) {
		pairs, err := c.repo.FindAll(ctx)
		if err != nil {
			return nil, err
		}
		m := make(map[string]TradingPair, len(pairs))
		for _, p := range pairs {
			m[p.Symbol] = p
		}
		c.mu.Lock()
		c.cache = m
		c.lastAt = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "load trading pairs")
	}
	return nil
}

func (c *CachedCatalog) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	safe.Every(ctx, interval, func(ctx context.Context) {
		if err := c.Reload(ctx); err != nil {
			logger.Warn(ctx, "trading pair refresh failed", zap.Error(err))
		}
	})
}
