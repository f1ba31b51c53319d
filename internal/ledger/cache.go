package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"spotex.com/pkg/metrics"
)

type Cache interface {
	GetBalances(ctx context.Context, userID uint64, asset string) ([]Balance, bool, error)
	SetBalances(ctx context.Context, userID uint64, asset string, bals []Balance, ttl time.Duration) error
	DelBalances(ctx context.Context, userID uint64) error
}

type redisCache struct {
	client *redis.Client
}

func NewRedisCache(c *redis.Client) Cache {
	return &redisCache{client: c}
}

func (r *redisCache) GetBalances(ctx context.Context, userID uint64, asset string) ([]Balance, bool, error) {
	key := r.getKey(userID, asset)

	start := time.Now()
	b, err := r.client.HGet(ctx, r.userKey(userID), key).Bytes()
	metrics.ObserveRedis("hget", start, err)
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var res []Balance
	if err := json.Unmarshal(b, &res); err != nil {
		// 缓存脏了就删掉，避免持续命中错误
		_ = r.client.HDel(ctx, r.userKey(userID), key).Err()
		return nil, false, err
	}
	return res, true, nil
}

func (r *redisCache) SetBalances(ctx context.Context, userID uint64, asset string, bals []Balance, ttl time.Duration) error {
	b, err := json.Marshal(bals)
	if err != nil {
		return err
	}
	uk := r.userKey(userID)
	start := time.Now()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, uk, r.getKey(userID, asset), b)
		// 加入随机时间 防止同时过期
		p.Expire(ctx, uk, withJitter(ttl, 300*time.Millisecond))
		return nil
	})
	metrics.ObserveRedis("hset", start, err)
	return err
}

// DelBalances 一个用户的所有资产视图放在同一个 hash 里，失效时整体删除
func (r *redisCache) DelBalances(ctx context.Context, userID uint64) error {
	start := time.Now()
	err := r.client.Del(ctx, r.userKey(userID)).Err()
	metrics.ObserveRedis("del", start, err)
	return err
}

func (r *redisCache) userKey(userID uint64) string {
	return fmt.Sprintf("ledger:bal:%d", userID)
}

func (r *redisCache) getKey(_ uint64, asset string) string {
	// asset 为空：表示“所有资产”
	if asset == "" {
		return "ALL"
	}
	return asset
}

func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	// [0, jitter) 的随机
	j := time.Duration(rand.Int63n(int64(jitter)))
	return ttl + j
}

type nopCache struct{}

func (nopCache) GetBalances(context.Context, uint64, string) ([]Balance, bool, error) {
	return nil, false, nil
}
func (nopCache) SetBalances(context.Context, uint64, string, []Balance, time.Duration) error {
	return nil
}
func (nopCache) DelBalances(context.Context, uint64) error { return nil }
