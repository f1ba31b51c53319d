package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"spotex.com/pkg/logger"
)

// job 状态：排队 -> 执行 / 放弃，二者只有一个能 CAS 成功
const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    Job
	done  chan error // buffered=1，actor 写完就走，不等调用方
	state int32
}

// claim actor 开始执行前调用；调用方已放弃时返回 false
func (j *job) claim() bool {
	return atomic.CompareAndSwapInt32(&j.state, jobQueued, jobRunning)
}

// abandon 调用方放弃等待；job 已经开始执行时返回 false，调用方必须等 done
func (j *job) abandon() bool {
	return atomic.CompareAndSwapInt32(&j.state, jobQueued, jobAbandoned)
}

// PairActor 一个交易对一个 actor：同一时刻只有一个 job 在跑，
// 这就是“每个交易对同时只有一个撮合过程”的保证
type PairActor struct {
	symbol string
	in     chan *job
	cfg    ActorConfig
	locker PairLocker

	mailboxFull uint64
	processed   uint64
}

func NewPairActor(symbol string, cfg ActorConfig, locker PairLocker) *PairActor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 64
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	return &PairActor{
		symbol: symbol,
		in:     make(chan *job, cfg.MailboxSize),
		cfg:    cfg,
		locker: locker,
	}
}

// TryEnqueue mailbox 满了直接拒绝，不排队等
func (a *PairActor) TryEnqueue(j *job) error {
	select {
	case a.in <- j:
		return nil
	default:
		atomic.AddUint64(&a.mailboxFull, 1)
		return ErrEngineBusy
	}
}

func (a *PairActor) MailboxFull() uint64 { return atomic.LoadUint64(&a.mailboxFull) }
func (a *PairActor) Processed() uint64   { return atomic.LoadUint64(&a.processed) }

func (a *PairActor) Run(ctx context.Context) {
	batch := make([]*job, 0, a.cfg.BatchMax)
	for {
		var first *job
		// 先阻塞拿 1 条，再尽量多拿几条（不阻塞）
		select {
		case <-ctx.Done():
			a.drain()
			return
		case first = <-a.in:
		}
		batch = batch[:0]
		batch = append(batch, first)
		for len(batch) < a.cfg.BatchMax {
			select {
			case j := <-a.in:
				batch = append(batch, j)
			default:
				goto PROCESS
			}
		}
	PROCESS:
		for _, j := range batch {
			if ctx.Err() != nil {
				j.done <- ErrStopped
				continue
			}
			if !j.claim() {
				// 调用方已经走了，不再执行
				continue
			}
			j.done <- a.exec(j)
			atomic.AddUint64(&a.processed, 1)
		}
	}
}

func (a *PairActor) exec(j *job) (err error) {
	// 出队时 ctx 已到期
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(j.ctx, "🚨 PAIR JOB PANIC RECOVERED",
				zap.String("symbol", a.symbol),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("pair job panic: %v", r)
		}
	}()

	release, err := a.locker.Acquire(j.ctx, a.symbol)
	if err != nil {
		return fmt.Errorf("acquire pair lock %s: %w", a.symbol, err)
	}
	defer func() {
		// 业务 ctx 可能已经超时，解锁用独立 ctx
		if rerr := release(context.WithoutCancel(j.ctx)); rerr != nil {
			logger.Warn(j.ctx, "release pair lock failed", zap.String("symbol", a.symbol), zap.Error(rerr))
		}
	}()
	return j.fn(j.ctx)
}

// drain 退出时把还在排队的 job 都回掉，调用方不会一直等
func (a *PairActor) drain() {
	for {
		select {
		case j := <-a.in:
			j.done <- ErrStopped
		default:
			return
		}
	}
}
