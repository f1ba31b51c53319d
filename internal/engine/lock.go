package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"spotex.com/pkg/xetcd"
	"spotex.com/pkg/xredis"
)

// PairLocker 跨进程的交易对互斥；拿到后返回释放函数
type PairLocker interface {
	Acquire(ctx context.Context, symbol string) (release func(context.Context) error, err error)
}

// LocalLocker 单进程部署，actor 本身就够了
type LocalLocker struct{}

func (LocalLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker SET NX PX + token 校验解锁
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryTimes    int
	retryInterval time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, retryTimes int, retryInterval time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "spotex:pair:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retryTimes <= 0 {
		retryTimes = 200
	}
	if retryInterval <= 0 {
		retryInterval = 20 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retryTimes: retryTimes, retryInterval: retryInterval}
}

func (l *RedisLocker) Acquire(ctx context.Context, symbol string) (func(context.Context) error, error) {
	lock := xredis.NewDistLock(l.client, l.prefix+symbol, l.ttl)
	ok, err := lock.Lock(ctx, l.retryTimes, l.retryInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pair %s locked by another instance", symbol)
	}
	return lock.Unlock, nil
}

// EtcdLocker 基于租约的 concurrency.Mutex，进程挂了租约到期自动释放
type EtcdLocker struct {
	locker *xetcd.Locker
}

func NewEtcdLocker(locker *xetcd.Locker) *EtcdLocker {
	return &EtcdLocker{locker: locker}
}

func (l *EtcdLocker) Acquire(ctx context.Context, symbol string) (func(context.Context) error, error) {
	return l.locker.Acquire(ctx, "pair/"+symbol)
}
