package events

import (
	"context"
	"sync/atomic"

	"spotex.com/pkg/metrics"
)

// Bus 有界队列；结算路径只用 TryPublish，满了丢弃计数，不阻塞撮合
type Bus struct {
	ch      chan Envelope
	dropped atomic.Uint64
}

func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1 << 14
	}
	return &Bus{ch: make(chan Envelope, size)}
}

func (b *Bus) TryPublish(ev Envelope) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
		return false
	}
}

// Publish 阻塞直到入队或 ctx 结束，回放 / 测试用
func (b *Bus) Publish(ctx context.Context, ev Envelope) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) C() <-chan Envelope { return b.ch }
func (b *Bus) Dropped() uint64    { return b.dropped.Load() }
func (b *Bus) Len() int           { return len(b.ch) }
