package events

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsSink subject = <prefix>.<event_type>.<symbol>
type NatsSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsSink(url, prefix string, opts ...nats.Option) (*NatsSink, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return NewNatsSinkWithConn(nc, prefix), nil
}

func NewNatsSinkWithConn(nc *nats.Conn, prefix string) *NatsSink {
	if prefix == "" {
		prefix = "exchange"
	}
	return &NatsSink{nc: nc, prefix: prefix}
}

func (s *NatsSink) Name() string { return "nats" }

func (s *NatsSink) Deliver(ctx context.Context, ev Envelope) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := s.nc.Publish(Subject(s.prefix, ev), b); err != nil {
		return err
	}
	// core NATS 发布是异步的，flush 保证到了服务端
	return s.nc.FlushTimeout(flushTimeout(ctx))
}

func (s *NatsSink) Close() error {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
	return nil
}

// Subject symbol 里的 '.' 和通配符会破坏层级，统一换掉
func Subject(prefix string, ev Envelope) string {
	sym := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(ev.Symbol)
	return prefix + "." + string(ev.EventType) + "." + sym
}
