package xredis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDistLock_MutualExclusion(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewDistLock(rdb, "lock:pair:BTC-USDT", 5*time.Second)
	b := NewDistLock(rdb, "lock:pair:BTC-USDT", 5*time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "同一个 key 只能有一个持有者")

	// 不是自己的锁不能删
	assert.ErrorIs(t, b.Unlock(ctx), ErrNotHeld)
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistLock_ExpiresAndRefresh(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	l := NewDistLock(rdb, "lock:pair:ETH-USDT", time.Second)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Refresh(ctx))
	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, l.Refresh(ctx), ErrNotHeld, "过期后续期失败")
	other := NewDistLock(rdb, "lock:pair:ETH-USDT", time.Second)
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistLock_SpinConcurrent(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	var inside, maxInside, success int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewDistLock(rdb, "lock:pair:SOL-USDT", 5*time.Second)
			ok, err := l.Lock(ctx, 200, 2*time.Millisecond)
			if err != nil || !ok {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&success, 1)
			_ = l.Unlock(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside), "临界区内同时只能有一个协程")
	assert.Positive(t, atomic.LoadInt32(&success))
}

func TestDistLock_LockHonorsContext(t *testing.T) {
	_, rdb := newTestRedis(t)
	holder := NewDistLock(rdb, "lock:k", 5*time.Second)
	ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err = NewDistLock(rdb, "lock:k", 5*time.Second).Lock(ctx, 1000, 5*time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
