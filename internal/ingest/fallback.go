package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/circuit"
	"backfill/internal/ratelimit"
	"backfill/internal/store"
)

var (
	// ErrNoSource 表示没有任何启用的数据源支持该粒度。
	ErrNoSource = errors.New("no source supports granularity")
	errOpen     = errors.New("circuit open")
)

// Chunk 是一次成功拉取的结果：实际服务的来源、覆盖窗口与窗口内的点。
type Chunk struct {
	Source string
	Window Window
	Points []market.Point
}

// Fetcher 抽象按记录拉取一块数据的能力，由 Chain 实现。
type Fetcher interface {
	Fetch(ctx context.Context, rec store.ProgressRecord, units int64) (Chunk, error)
}

type ChainOptions struct {
	Ranking          market.Ranking
	Limiter          ratelimit.Limiter
	ThrottleFactor   float64
	ThrottleWindow   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Chain 按优先级依次尝试数据源，第一次成功即返回。
// permanent 失败只在本次调用内跳过该来源；transient 失败计入来源熔断器。
type Chain struct {
	sources  []SourceClient
	ranking  market.Ranking
	limiter  ratelimit.Limiter
	breakers map[string]*circuit.CircuitBreaker
	factor   float64
	window   time.Duration
}

func NewChain(sources []SourceClient, opts ChainOptions) (*Chain, error) {
	if len(sources) == 0 {
		return nil, errors.New("fallback chain requires at least one source")
	}
	if opts.Limiter == nil {
		return nil, errors.New("fallback chain requires a rate limiter")
	}
	ordered := append([]SourceClient(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := opts.Ranking.Rank(ordered[i].Name()), opts.Ranking.Rank(ordered[j].Name())
		if ri != rj {
			return ri > rj
		}
		return ordered[i].Name() < ordered[j].Name()
	})
	c := &Chain{
		sources:  ordered,
		ranking:  opts.Ranking,
		limiter:  opts.Limiter,
		breakers: make(map[string]*circuit.CircuitBreaker, len(ordered)),
		factor:   opts.ThrottleFactor,
		window:   opts.ThrottleWindow,
	}
	if opts.BreakerThreshold > 0 {
		for _, src := range ordered {
			c.breakers[src.Name()] = circuit.NewCircuitBreaker(src.Name(), opts.BreakerThreshold, opts.BreakerCooldown)
		}
	}
	return c, nil
}

// Order 返回支持该粒度的来源名，按尝试顺序排列。
func (c *Chain) Order(g market.Granularity) []string {
	var out []string
	for _, src := range c.sources {
		if src.Supports(g) {
			out = append(out, src.Name())
		}
	}
	return out
}

// BreakerStates 返回各来源熔断器状态（未启用熔断时为空）。
func (c *Chain) BreakerStates() map[string]string {
	out := make(map[string]string, len(c.breakers))
	for name, br := range c.breakers {
		out[name] = br.State().String()
	}
	return out
}

// Fetch 为记录拉取下一块。限速等待在每次调用前进行且可被 ctx 取消；
// 请求本身在脱离取消的 ctx 上执行，由各来源的 HTTP 超时兜底。
// 窗口内没有数据的来源视同未命中，继续问下一个；只有所有来源都答空
// （permanent 失败视为答空）才返回空块，其窗口取各来源中最小的一个。
// 有来源 transient 失败时返回最后一个错误。
func (c *Chain) Fetch(ctx context.Context, rec store.ProgressRecord, units int64) (Chunk, error) {
	var (
		lastErr   error
		retryable bool
		empty     *Chunk
	)
	for _, src := range c.sources {
		name := src.Name()
		if !src.Supports(rec.Granularity) {
			continue
		}
		br := c.breakers[name]
		if br != nil && !br.Allow() {
			lastErr, retryable = Transient(name, errOpen), true
			continue
		}
		n := units
		if limit := int64(src.MaxChunk(rec.Granularity)); limit > 0 && n > limit {
			n = limit
		}
		win, ok := PlanWindow(rec, n)
		if !ok {
			return Chunk{Source: name}, nil
		}
		if err := c.limiter.Wait(ctx, name); err != nil {
			return Chunk{}, err
		}
		candles, err := src.FetchChunk(context.WithoutCancel(ctx), ChunkRequest{
			Instrument:  rec.Instrument,
			Granularity: rec.Granularity,
			Start:       win.Start,
			End:         win.End,
			Limit:       int(win.Units),
		})
		if err != nil {
			err = ClassifyTransport(name, err)
			c.onFailure(name, br, err)
			logger.Warnf("[ingest] %s %s %s [%d,%d] failed: %v", name, rec.Instrument, rec.Granularity, win.Start, win.End, err)
			lastErr = err
			if Retryable(err) {
				retryable = true
			}
			continue
		}
		if br != nil {
			br.RecordSuccess()
		}
		points := clip(rec.Instrument, rec.Granularity, name, win, candles)
		if len(points) == 0 {
			logger.Debugf("[ingest] %s %s %s [%d,%d] empty, trying next source", name, rec.Instrument, rec.Granularity, win.Start, win.End)
			if empty == nil || win.Units < empty.Window.Units {
				empty = &Chunk{Source: name, Window: win}
			}
			continue
		}
		return Chunk{Source: name, Window: win, Points: points}, nil
	}
	switch {
	case empty != nil && !retryable:
		return *empty, nil
	case lastErr == nil:
		return Chunk{}, Permanent("chain", fmt.Errorf("%w: %s", ErrNoSource, rec.Granularity))
	}
	return Chunk{}, lastErr
}

func (c *Chain) onFailure(name string, br *circuit.CircuitBreaker, err error) {
	switch KindOf(err) {
	case KindThrottle:
		if c.factor > 1 && c.window > 0 {
			c.limiter.Penalize(name, c.factor, c.window)
			logger.Warnf("[ingest] %s throttled, interval widened to %s for %s", name, c.limiter.Interval(name), c.window)
		}
	case KindTransient:
		if br != nil {
			br.RecordFailure()
		}
	}
}

// String 便于日志打印来源顺序。
func (c *Chain) String() string {
	names := make([]string, 0, len(c.sources))
	for _, src := range c.sources {
		names = append(names, fmt.Sprintf("%s(%d)", src.Name(), c.ranking.Rank(src.Name())))
	}
	return strings.Join(names, " > ")
}
