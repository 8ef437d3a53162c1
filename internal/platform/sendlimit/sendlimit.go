package sendlimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window rate limiter shared by every worker in the
// fleet, using Redis INCR/PEXPIRE and PTTL.
type RedisLimiter struct {
	rc     *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(addr string, db, limit int, window time.Duration) *RedisLimiter {
	rc := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &RedisLimiter{rc: rc, limit: limit, window: window}
}

var luaFixedWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

// Allow reports whether one more send fits in the key's current window and,
// when it does not, how long to wait before retrying.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	// namespace keys for safety
	k := "sendrl:" + key
	ms := l.window.Milliseconds()
	res, err := luaFixedWindow.Run(ctx, l.rc, []string{k}, ms).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return true, 0, nil
	}
	var current, ttlms int64
	if v, ok := arr[0].(int64); ok {
		current = v
	}
	if v, ok := arr[1].(int64); ok {
		ttlms = v
	}
	if current <= int64(l.limit) {
		return true, 0, nil
	}
	if ttlms <= 0 {
		return false, l.window, nil
	}
	return false, time.Duration(ttlms) * time.Millisecond, nil
}
