package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeLua はcountがmax未満の場合のみINCRし、新しいウィンドウにはPEXPIREを設定する。
//
// KEYS[1] = counter key
// ARGV[1] = max (int)
// ARGV[2] = window (ms)
//
// Returns {count, pttl_ms, taken(0|1)}
var takeLua = redis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= max then
  return {count, redis.call('PTTL', KEYS[1]), 0}
end
count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {count, redis.call('PTTL', KEYS[1]), 1}
`)

// RedisStore はRedisを使用したCounterStore実装。
// 複数インスタンスでカウンターを共有する場合に使用する。
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

// Take はLuaスクリプトで原子的に判定・加算する。
func (s *RedisStore) Take(ctx context.Context, key string, max int, window time.Duration) (Counter, bool, error) {
	res, err := takeLua.Run(ctx, s.redis, []string{key}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, false, fmt.Errorf("redis take: %w", err)
	}
	if len(res) != 3 {
		return Counter{}, false, fmt.Errorf("redis take: unexpected reply length %d", len(res))
	}

	return Counter{
		Count:   int(res[0]),
		ResetIn: pttl(res[1]),
	}, res[2] == 1, nil
}

// Peek は現在のカウントと残りTTLを返す。
func (s *RedisStore) Peek(ctx context.Context, key string) (Counter, error) {
	pipe := s.redis.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, fmt.Errorf("redis peek: %w", err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("redis peek: %w", err)
	}

	return Counter{Count: count, ResetIn: max(ttlCmd.Val(), 0)}, nil
}

func pttl(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// compile-time interface check
var _ CounterStore = (*RedisStore)(nil)
