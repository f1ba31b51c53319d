package engine

import (
	"context"
	"errors"
)

// Job 在交易对 actor 上串行执行的一段逻辑（下单+撮合、撤单、过期）
type Job func(ctx context.Context) error

type ActorConfig struct {
	MailboxSize int // 每个交易对最多排队多少个 job
	BatchMax    int // 一次最多取多少
}

// 定义错误
var (
	ErrEngineBusy = errors.New("engine busy: mailbox full")
	ErrStopped    = errors.New("engine stopped")
	ErrBadSymbol  = errors.New("empty symbol")
)
