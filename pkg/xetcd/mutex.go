// Package xetcd etcd 客户端与基于租约的分布式互斥锁
package xetcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

type Config struct {
	Endpoints     []string `yaml:"endpoints" mapstructure:"endpoints"`
	ServicePrefix string   `yaml:"service_prefix" mapstructure:"service_prefix"`
	LockPrefix    string   `yaml:"lock_prefix" mapstructure:"lock_prefix"`
	SessionTTL    int      `yaml:"session_ttl" mapstructure:"session_ttl"` // 秒
}

func NewClient(c Config) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Locker 一个进程共用一个 session（租约），每个 key 一把 concurrency.Mutex
// 进程挂掉租约过期，锁自动释放
type Locker struct {
	cli    *clientv3.Client
	prefix string
	ttl    int

	mu      sync.Mutex
	session *concurrency.Session
}

func NewLocker(cli *clientv3.Client, prefix string, ttlSeconds int) *Locker {
	if prefix == "" {
		prefix = "/spotex/locks"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &Locker{cli: cli, prefix: prefix, ttl: ttlSeconds}
}

func (l *Locker) getSession() (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		select {
		case <-l.session.Done():
			// 租约丢了，重建
			l.session = nil
		default:
			return l.session, nil
		}
	}
	s, err := concurrency.NewSession(l.cli, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, err
	}
	l.session = s
	return s, nil
}

// Acquire 阻塞直到拿到锁或 ctx 结束，返回解锁函数
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	s, err := l.getSession()
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	m := concurrency.NewMutex(s, l.prefix+"/"+key)
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	return m.Unlock, nil
}

func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		err := l.session.Close()
		l.session = nil
		return err
	}
	return nil
}
