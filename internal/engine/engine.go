package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/safe"
	"spotex.com/pkg/xerr"
)

type EngineConfig struct {
	ActorCfg ActorConfig
	Locker   PairLocker // nil = 只做进程内互斥
}

// Engine 按交易对分发 job；actor 首次用到时创建
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	actors map[string]*PairActor
	cfg    EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Locker == nil {
		cfg.Locker = LocalLocker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*PairActor, 64),
		cfg:    cfg,
	}
}

func (e *Engine) getOrCreateActor(symbol string) (*PairActor, error) {
	if symbol == "" {
		return nil, ErrBadSymbol
	}
	// 1) 快路径：读锁查
	e.mu.RLock()
	a := e.actors[symbol]
	e.mu.RUnlock()
	if a != nil {
		return a, nil
	}

	// 2) 慢路径：写锁双检 + 创建
	e.mu.Lock()
	defer e.mu.Unlock()
	if a = e.actors[symbol]; a != nil {
		return a, nil
	}
	if e.ctx.Err() != nil {
		return nil, ErrStopped
	}
	a = NewPairActor(symbol, e.cfg.ActorCfg, e.cfg.Locker)
	e.actors[symbol] = a
	safe.Go(func() {
		a.Run(e.ctx)
	})
	logger.Debug(e.ctx, "pair actor started", zap.String("symbol", symbol))
	return a, nil
}

// Do 把 fn 投到交易对的 actor 上执行并等待结果。
// mailbox 满返回 EngineBusy；ctx 到期时还在排队的 job 直接放弃并返回 Timeout，
// 已经开始执行的 job 必须等它返回（它用的是同一个 ctx，很快会结束）
func (e *Engine) Do(ctx context.Context, symbol string, fn Job) error {
	a, err := e.getOrCreateActor(symbol)
	if err != nil {
		return xerr.Wrap(err, xerr.ServerCommonError, "pair actor unavailable")
	}
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := a.TryEnqueue(j); err != nil {
		metrics.EngineBusy.WithLabelValues(symbol).Inc()
		return xerr.Wrap(err, xerr.EngineBusy, xerr.MapErrMsg(xerr.EngineBusy))
	}
	select {
	case err := <-j.done:
		return jobResult(ctx, err)
	case <-ctx.Done():
		if j.abandon() {
			return xerr.FromContext(ctx)
		}
	case <-e.ctx.Done():
		if j.abandon() {
			return xerr.Wrap(ErrStopped, xerr.ServerCommonError, "engine stopped")
		}
	}
	logger.Debug(ctx, "caller gave up while pair job running, waiting for it", zap.String("symbol", symbol))
	return jobResult(ctx, <-j.done)
}

// jobResult 裸的 ctx 错误统一成 Timeout，业务错误码原样返回
func jobResult(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStopped) {
		return xerr.Wrap(err, xerr.ServerCommonError, "engine stopped")
	}
	if _, ok := xerr.As(err); !ok && ctx.Err() != nil {
		return xerr.Wrap(err, xerr.Timeout, xerr.MapErrMsg(xerr.Timeout))
	}
	return err
}

// Symbols 当前已创建 actor 的交易对
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.actors))
	for s := range e.actors {
		out = append(out, s)
	}
	return out
}

func (e *Engine) Stop() { e.cancel() }
