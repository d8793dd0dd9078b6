package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backfill/internal/logger"

	"github.com/redis/go-redis/v9"
)

// reserveScript 原子地预订下一个调用时间点，返回需要等待的毫秒数。
// KEYS[1] 保存 next-allowed 时间，KEYS[2] 保存惩罚倍数（带 TTL）。
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local factor = tonumber(redis.call('GET', KEYS[2]) or '1')
if factor and factor > 1 then
  interval = math.floor(interval * factor)
end
local nextAt = tonumber(redis.call('GET', KEYS[1]) or '0')
if nextAt < now then
  nextAt = now
end
redis.call('SET', KEYS[1], nextAt + interval, 'PX', (nextAt - now) + interval * 2)
return nextAt - now
`)

// Redis 是跨进程共享的限速器，多个 backfill 实例按来源共用同一节奏。
type Redis struct {
	client *redis.Client
	prefix string

	mu        sync.RWMutex
	intervals map[string]time.Duration
}

func NewRedis(client *redis.Client, prefix string, budgets map[string]Budget) *Redis {
	r := &Redis{client: client, prefix: prefix, intervals: make(map[string]time.Duration)}
	for name, b := range budgets {
		r.SetBudget(name, b)
	}
	return r
}

func (r *Redis) key(source string) string        { return r.prefix + source + ":next" }
func (r *Redis) penaltyKey(source string) string { return r.prefix + source + ":penalty" }

func (r *Redis) Wait(ctx context.Context, source string) error {
	source = normalizeSource(source)
	interval := r.baseInterval(source)
	if interval <= 0 {
		return nil
	}
	waitMs, err := reserveScript.Run(ctx, r.client,
		[]string{r.key(source), r.penaltyKey(source)},
		time.Now().UnixMilli(), interval.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("ratelimit reserve %s: %w", source, err)
	}
	if waitMs <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Redis) Penalize(source string, factor float64, d time.Duration) {
	if factor <= 1 || d <= 0 {
		return
	}
	source = normalizeSource(source)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.penaltyKey(source), factor, d).Err(); err != nil {
		logger.Errorf("[ratelimit] %s penalty not stored: %v", source, err)
		return
	}
	logger.Warnf("[ratelimit] %s throttled, interval x%.1f for %s", source, factor, d)
}

func (r *Redis) SetBudget(source string, b Budget) {
	source = normalizeSource(source)
	r.mu.Lock()
	r.intervals[source] = b.MinInterval()
	r.mu.Unlock()
}

func (r *Redis) Interval(source string) time.Duration {
	source = normalizeSource(source)
	base := r.baseInterval(source)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	factor, err := r.client.Get(ctx, r.penaltyKey(source)).Float64()
	if err != nil || factor <= 1 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func (r *Redis) baseInterval(source string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.intervals[source]
}

var _ Limiter = (*Redis)(nil)
