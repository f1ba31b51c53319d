package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"spotex.com/pkg/breaker"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/safe"
)

type DispatcherConfig struct {
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	RetryBatch     int           `mapstructure:"retry_batch"`
}

// Dispatcher 从 Bus 取事件扇出到各个 Sink。每个 sink 一个熔断器；
// 失败或熔断的事件进 spool，后台按顺序重投
type Dispatcher struct {
	bus      *Bus
	sinks    []Sink
	breakers *breaker.Manager
	spool    *Spool // 可以为 nil，失败直接丢
	cfg      DispatcherConfig

	// sink 在 spool 里还有积压时新事件也排到后面；只在投递协程里读写
	backlog map[string]bool
	wg      sync.WaitGroup
}

func NewDispatcher(bus *Bus, breakers *breaker.Manager, spool *Spool, cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 3 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 500
	}
	if breakers == nil {
		breakers = breaker.NewManager(breaker.Rule{}, nil)
	}
	d := &Dispatcher{
		bus:      bus,
		sinks:    sinks,
		breakers: breakers,
		spool:    spool,
		cfg:      cfg,
		backlog:  make(map[string]bool, len(sinks)),
	}
	for _, s := range sinks {
		if spool != nil {
			if n, err := spool.Len(s.Name()); err == nil && n > 0 {
				d.backlog[s.Name()] = true
			}
		}
	}
	return d
}

// Start 后台跑投递循环（含定时重投），ctx 结束后把总线里剩下的投完再退出
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer d.wg.Done()
		d.run(ctx)
	})
}

// Wait 等投递循环退出
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) run(ctx context.Context) {
	retry := time.NewTicker(d.cfg.RetryInterval)
	defer retry.Stop()
	for {
		select {
		case ev := <-d.bus.C():
			d.Dispatch(ctx, ev)
		case <-retry.C:
			d.Redeliver(ctx)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.bus.C():
			d.Dispatch(ctx, ev)
		default:
			return
		}
	}
}

// Dispatch 把一个事件投给所有 sink。Dispatch 和 Redeliver 不能并发调用
func (d *Dispatcher) Dispatch(ctx context.Context, ev Envelope) {
	for _, s := range d.sinks {
		name := s.Name()
		if d.backlog[name] {
			d.park(ctx, name, ev, nil)
			continue
		}
		err := d.deliver(ctx, s, ev)
		if err == nil {
			metrics.EventsPublished.WithLabelValues(name, string(ev.EventType), "ok").Inc()
			continue
		}
		d.park(ctx, name, ev, err)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, ev Envelope) error {
	return d.breakers.Do("events."+s.Name(), func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DeliverTimeout)
		defer cancel()
		return s.Deliver(cctx, ev)
	})
}

func (d *Dispatcher) park(ctx context.Context, sink string, ev Envelope, cause error) {
	if d.spool == nil {
		metrics.EventsPublished.WithLabelValues(sink, string(ev.EventType), "dropped").Inc()
		logger.Warn(ctx, "event delivery failed, dropped",
			zap.String("sink", sink),
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(cause))
		return
	}
	if err := d.spool.Put(sink, ev); err != nil {
		metrics.EventsPublished.WithLabelValues(sink, string(ev.EventType), "dropped").Inc()
		logger.Error(ctx, "❌ event spool write failed",
			zap.String("sink", sink),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
		return
	}
	d.backlog[sink] = true
	metrics.EventsPublished.WithLabelValues(sink, string(ev.EventType), "spooled").Inc()
	if cause != nil {
		logger.Warn(ctx, "event delivery failed, spooled",
			zap.String("sink", sink),
			zap.String("event_id", ev.EventID),
			zap.Error(cause))
	}
}

// Redeliver 按顺序重投 spool 里的积压，每个 sink 遇到第一个失败就停
func (d *Dispatcher) Redeliver(ctx context.Context) {
	if d.spool == nil {
		return
	}
	for _, s := range d.sinks {
		name := s.Name()
		if !d.backlog[name] {
			continue
		}
		n, err := d.spool.Replay(name, d.cfg.RetryBatch, func(ev Envelope) error {
			if err := d.deliver(ctx, s, ev); err != nil {
				return err
			}
			metrics.EventsPublished.WithLabelValues(name, string(ev.EventType), "ok").Inc()
			return nil
		})
		if err != nil {
			logger.Debug(ctx, "event redelivery paused", zap.String("sink", name), zap.Int("delivered", n), zap.Error(err))
			continue
		}
		if left, lerr := d.spool.Len(name); lerr == nil && left == 0 {
			d.backlog[name] = false
		}
		if n > 0 {
			logger.Info(ctx, "📨 spooled events redelivered", zap.String("sink", name), zap.Int("count", n))
		}
	}
}

func (d *Dispatcher) Close() error {
	var first error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.spool != nil {
		if err := d.spool.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func flushTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 {
			return left
		}
		return time.Millisecond
	}
	return 2 * time.Second
}
