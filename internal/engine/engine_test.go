package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/pkg/xerr"
)

func TestEngine_SerializesPerPair(t *testing.T) {
	eng := NewEngine(EngineConfig{ActorCfg: ActorConfig{MailboxSize: 1024, BatchMax: 16}})
	defer eng.Stop()

	const N = 200
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	counter := 0

	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				counter++ // 不加锁，靠 actor 串行
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, N, counter)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestEngine_PairsRunIndependently(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	defer eng.Stop()

	blocked := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_ = eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error {
			close(blocked)
			<-released
			return nil
		})
	}()
	<-blocked

	// BTC 的 actor 卡住不影响 ETH
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Do(ctx, "ETH-USDT", func(ctx context.Context) error { return nil }))
	close(released)

	assert.ElementsMatch(t, []string{"BTC-USDT", "ETH-USDT"}, eng.Symbols())
}

func TestEngine_ReturnsJobError(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	defer eng.Stop()

	boom := xerr.New(xerr.InvalidState, "boom")
	err := eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { return boom })
	assert.Equal(t, boom, err)

	err = eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { panic("bad job") })
	assert.Error(t, err)

	// panic 之后 actor 还活着
	assert.NoError(t, eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { return nil }))

	err = eng.Do(context.Background(), "", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBadSymbol)
}

func TestEngine_Backpressure(t *testing.T) {
	eng := NewEngine(EngineConfig{ActorCfg: ActorConfig{MailboxSize: 2, BatchMax: 1}})
	defer eng.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	// 塞满 mailbox
	var busy bool
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := eng.Do(ctx, "BTC-USDT", func(ctx context.Context) error { return nil })
		cancel()
		if xerr.Is(err, xerr.EngineBusy) {
			busy = true
			assert.ErrorIs(t, err, ErrEngineBusy)
			assert.True(t, xerr.IsRetryable(err))
			break
		}
	}
	close(release)
	assert.True(t, busy, "expected EngineBusy")
}

func TestEngine_SkipsJobsWhoseCallerGaveUp(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	defer eng.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	var ran int32
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := eng.Do(ctx, "BTC-USDT", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	assert.True(t, xerr.Is(err, xerr.Timeout), "err=%v", err)
	close(release)

	// 等前面的 job 被 actor 处理掉
	require.NoError(t, eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { return nil }))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestEngine_WaitsForRunningJob(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	defer eng.Stop()

	// job 已经开始执行：调用方超时也要等它返回，不能提前拿到结果
	var finished int32
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := eng.Do(ctx, "BTC-USDT", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return ctx.Err()
	})
	assert.True(t, xerr.Is(err, xerr.Timeout), "err=%v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)

	// 业务错误码不被改写
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	err = eng.Do(ctx2, "BTC-USDT", func(ctx context.Context) error {
		<-ctx.Done()
		return xerr.New(xerr.InvalidState, "closed late")
	})
	assert.True(t, xerr.Is(err, xerr.InvalidState), "err=%v", err)
}

func TestEngine_LazyCreateOnce(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	defer eng.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.getOrCreateActor("SOL-USDT")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	eng.mu.RLock()
	defer eng.mu.RUnlock()
	assert.Len(t, eng.actors, 1)
}

func TestEngine_StopFailsPending(t *testing.T) {
	eng := NewEngine(EngineConfig{})
	require.NoError(t, eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { return nil }))
	eng.Stop()

	err := eng.Do(context.Background(), "ETH-USDT", func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrStopped), "err=%v", err)
}

type countingLocker struct {
	acquired, released int32
}

func (l *countingLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	atomic.AddInt32(&l.acquired, 1)
	return func(context.Context) error {
		atomic.AddInt32(&l.released, 1)
		return nil
	}, nil
}

func TestEngine_UsesPairLocker(t *testing.T) {
	l := &countingLocker{}
	eng := NewEngine(EngineConfig{Locker: l})
	defer eng.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Do(context.Background(), "BTC-USDT", func(ctx context.Context) error { return nil }))
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&l.acquired))
	assert.Equal(t, int32(3), atomic.LoadInt32(&l.released))
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	a := NewRedisLocker(rdb, "test:pair:", time.Second, 3, 5*time.Millisecond)
	b := NewRedisLocker(rdb, "test:pair:", time.Second, 3, 5*time.Millisecond)

	release, err := a.Acquire(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:pair:BTC-USDT"))

	// 另一个实例拿不到
	_, err = b.Acquire(ctx, "BTC-USDT")
	assert.Error(t, err)
	// 其他交易对不受影响
	r2, err := b.Acquire(ctx, "ETH-USDT")
	require.NoError(t, err)
	require.NoError(t, r2(ctx))

	require.NoError(t, release(ctx))
	r3, err := b.Acquire(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.NoError(t, r3(ctx))
}
