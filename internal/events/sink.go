package events

import (
	"context"
	"sync"
)

// Sink 一个下游。Deliver 失败由 Dispatcher 负责熔断和落盘重投
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Envelope) error
	Close() error
}

// MemorySink 进程内保存，测试和单机调试用
type MemorySink struct {
	mu     sync.Mutex
	events []Envelope
	fail   error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, ev Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, ev)
	return nil
}

// FailWith 之后的投递都返回 err，nil 恢复
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemorySink) Events() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.events))
	copy(out, s.events)
	return out
}

// OfType 按类型过滤
func (s *MemorySink) OfType(t Type) []Envelope {
	var out []Envelope
	for _, ev := range s.Events() {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemorySink) Close() error { return nil }
