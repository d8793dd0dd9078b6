// Package ratelimit 把数据源公布的配额换算为最小调用间隔，并按来源节流。
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Budget 是单个数据源的速率预算。
type Budget struct {
	MaxCallsPerMinute int
	SafetyFraction    float64
}

// MinInterval = 60s / (max_calls_per_minute * safety_fraction)。
func (b Budget) MinInterval() time.Duration {
	if b.MaxCallsPerMinute <= 0 {
		return 0
	}
	fraction := b.SafetyFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	return time.Duration(float64(time.Minute) / (float64(b.MaxCallsPerMinute) * fraction))
}

// Limiter paces calls per source. Every Wait consumes a slot whether or not
// the subsequent call succeeds.
type Limiter interface {
	Wait(ctx context.Context, source string) error
	// Penalize widens the source interval by factor for d, then restores it.
	Penalize(source string, factor float64, d time.Duration)
	SetBudget(source string, b Budget)
	Interval(source string) time.Duration
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
