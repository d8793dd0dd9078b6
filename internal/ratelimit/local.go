package ratelimit

import (
	"context"
	"sync"
	"time"

	"backfill/internal/logger"

	"golang.org/x/time/rate"
)

// Local 是进程内限速器：每个来源一个 burst=1 的 rate.Limiter，由所有循环共享。
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	now     func() time.Time
}

type localEntry struct {
	lim          *rate.Limiter
	base         time.Duration
	factor       float64
	penaltyUntil time.Time
}

func NewLocal(budgets map[string]Budget) *Local {
	l := &Local{entries: make(map[string]*localEntry), now: time.Now}
	for name, b := range budgets {
		l.SetBudget(name, b)
	}
	return l
}

func (l *Local) Wait(ctx context.Context, source string) error {
	lim := l.limiter(normalizeSource(source))
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (l *Local) limiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[source]
	if e == nil {
		return nil
	}
	if e.factor > 1 && !l.now().Before(e.penaltyUntil) {
		e.factor = 1
		e.lim.SetLimit(every(e.base))
		logger.Infof("[ratelimit] %s penalty expired, interval restored to %s", source, e.base)
	}
	return e.lim
}

func (l *Local) Penalize(source string, factor float64, d time.Duration) {
	if factor <= 1 || d <= 0 {
		return
	}
	source = normalizeSource(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[source]
	if e == nil || e.base <= 0 {
		return
	}
	e.factor = factor
	e.penaltyUntil = l.now().Add(d)
	widened := time.Duration(float64(e.base) * factor)
	e.lim.SetLimit(every(widened))
	logger.Warnf("[ratelimit] %s throttled, interval widened to %s for %s", source, widened, d)
}

func (l *Local) SetBudget(source string, b Budget) {
	source = normalizeSource(source)
	interval := b.MinInterval()
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[source]
	if e == nil {
		e = &localEntry{lim: rate.NewLimiter(every(interval), 1), factor: 1}
		l.entries[source] = e
	}
	e.base = interval
	if e.factor > 1 {
		e.lim.SetLimit(every(time.Duration(float64(interval) * e.factor)))
		return
	}
	e.lim.SetLimit(every(interval))
}

func (l *Local) Interval(source string) time.Duration {
	source = normalizeSource(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[source]
	if e == nil {
		return 0
	}
	if e.factor > 1 && l.now().Before(e.penaltyUntil) {
		return time.Duration(float64(e.base) * e.factor)
	}
	return e.base
}

func every(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

var _ Limiter = (*Local)(nil)
