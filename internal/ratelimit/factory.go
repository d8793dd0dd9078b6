package ratelimit

import (
	"context"
	"fmt"
	"time"

	"backfill/internal/config"
	"backfill/internal/config/loader"
	"backfill/internal/logger"

	"github.com/redis/go-redis/v9"
)

// BudgetsFromSources 从数据源配置提取速率预算。
func BudgetsFromSources(sources []config.SourceConfig) map[string]Budget {
	out := make(map[string]Budget, len(sources))
	for _, src := range sources {
		out[src.Name] = Budget{MaxCallsPerMinute: src.MaxCallsPerMinute, SafetyFraction: src.SafetyFraction}
	}
	return out
}

// New 按配置构建限速器，返回的 cleanup 用于关闭底层连接。
func New(cfg config.RateLimitConfig, sources []config.SourceConfig) (Limiter, func(), error) {
	budgets := BudgetsFromSources(sources)
	switch cfg.Backend {
	case "", "memory":
		return NewLocal(budgets), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Infof("[ratelimit] using redis backend at %s", cfg.RedisAddr)
		return NewRedis(client, cfg.KeyPrefix, budgets), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ratelimit backend %q", cfg.Backend)
	}
}

// ApplySnapshot 把热加载的预算覆盖到限速器上，供 BudgetLoader.Subscribe 使用。
func ApplySnapshot(l Limiter, snap loader.BudgetSnapshot) {
	for name, b := range snap.Budgets {
		l.SetBudget(name, Budget{MaxCallsPerMinute: b.MaxCallsPerMinute, SafetyFraction: b.SafetyFraction})
		logger.Infof("[ratelimit] budget %s -> %d/min x%.2f (v%d)", name, b.MaxCallsPerMinute, b.SafetyFraction, snap.Version)
	}
}
