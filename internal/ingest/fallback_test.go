package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backfill/internal/market"
	"backfill/internal/ratelimit"
	"backfill/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSource struct {
	mock.Mock
	name string
}

func (m *MockSource) Name() string { return m.name }

func (m *MockSource) Supports(g market.Granularity) bool {
	return m.Called(g).Bool(0)
}

func (m *MockSource) MaxChunk(g market.Granularity) int {
	return m.Called(g).Int(0)
}

func (m *MockSource) FetchChunk(ctx context.Context, req ChunkRequest) ([]market.Candle, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, ChunkRequest) []market.Candle); ok {
		return fn(ctx, req), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Candle), args.Error(1)
}

func newMockSource(name string, maxChunk int) *MockSource {
	m := &MockSource{name: name}
	m.On("Supports", mock.Anything).Return(true).Maybe()
	m.On("MaxChunk", mock.Anything).Return(maxChunk).Maybe()
	return m
}

// recordingLimiter 记录 Wait 与 Penalize 调用。
type recordingLimiter struct {
	mu        sync.Mutex
	waits     []string
	penalized map[string]float64
}

func (r *recordingLimiter) Wait(_ context.Context, source string) error {
	r.mu.Lock()
	r.waits = append(r.waits, source)
	r.mu.Unlock()
	return nil
}

func (r *recordingLimiter) Penalize(source string, factor float64, _ time.Duration) {
	r.mu.Lock()
	if r.penalized == nil {
		r.penalized = map[string]float64{}
	}
	r.penalized[source] = factor
	r.mu.Unlock()
}

func (r *recordingLimiter) SetBudget(string, ratelimit.Budget) {}
func (r *recordingLimiter) Interval(string) time.Duration      { return 0 }

var dailyRecord = store.ProgressRecord{
	Instrument:  "BTC/USDT",
	Granularity: market.Day,
	Direction:   store.DirectionBackward,
	Target:      1825,
	Cursor:      3000 * market.Day.Step(),
}

func dayCandles(start, end int64) []market.Candle {
	var out []market.Candle
	for ts := start; ts <= end; ts += market.Day.Step() {
		out = append(out, market.Candle{OpenTime: ts, Close: float64(ts)})
	}
	return out
}

func TestChainOrdersByPriority(t *testing.T) {
	chain, err := NewChain([]SourceClient{
		newMockSource("coingecko", 180),
		newMockSource("binance", 1500),
		newMockSource("cryptocompare", 2000),
	}, ChainOptions{Ranking: testRanking, Limiter: &recordingLimiter{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "cryptocompare", "coingecko"}, chain.Order(market.Day))
}

func TestChainFallsBackAndTagsSource(t *testing.T) {
	for _, kind := range []struct {
		name string
		err  error
	}{
		{"transient", Transient("cryptocompare", errors.New("502"))},
		{"permanent", Permanent("cryptocompare", errors.New("unknown pair"))},
	} {
		t.Run(kind.name, func(t *testing.T) {
			first := newMockSource("cryptocompare", 2000)
			first.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, kind.err).Once()
			second := newMockSource("coingecko", 180)
			second.On("FetchChunk", mock.Anything, mock.Anything).Return(func(_ context.Context, req ChunkRequest) []market.Candle {
				return dayCandles(req.Start, req.End)
			}, nil).Once()

			lim := &recordingLimiter{}
			chain, err := NewChain([]SourceClient{second, first}, ChainOptions{Ranking: testRanking, Limiter: lim})
			require.NoError(t, err)

			chunk, err := chain.Fetch(context.Background(), dailyRecord, 30)
			require.NoError(t, err)
			assert.Equal(t, "coingecko", chunk.Source)
			require.Len(t, chunk.Points, 30)
			for _, p := range chunk.Points {
				assert.Equal(t, "coingecko", p.Source)
			}
			assert.Equal(t, []string{"cryptocompare", "coingecko"}, lim.waits)
			first.AssertExpectations(t)
			second.AssertExpectations(t)
		})
	}
}

func TestChainCapsWindowByProviderMax(t *testing.T) {
	src := newMockSource("coingecko", 10)
	src.On("FetchChunk", mock.Anything, mock.MatchedBy(func(req ChunkRequest) bool {
		return req.Limit == 10 && req.End-req.Start == 9*market.Day.Step()
	})).Return(func(_ context.Context, req ChunkRequest) []market.Candle {
		// 多返回一根窗口外的数据，应被丢弃
		return dayCandles(req.Start-market.Day.Step(), req.End)
	}, nil).Once()

	chain := newTestChain(t, src)
	chunk, err := chain.Fetch(context.Background(), dailyRecord, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(10), chunk.Window.Units)
	assert.Len(t, chunk.Points, 10)
	src.AssertExpectations(t)
}

func TestChainSurfacesLastError(t *testing.T) {
	first := newMockSource("binance", 1500)
	first.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, Transient("binance", errors.New("timeout")))
	last := newMockSource("gate", 2000)
	lastErr := Permanent("gate", errors.New("contract not found"))
	last.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, lastErr)

	chain := newTestChain(t, first, last)
	_, err := chain.Fetch(context.Background(), dailyRecord, 30)
	require.Error(t, err)
	assert.Equal(t, lastErr, err)
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestChainEmptyPrimaryFallsThrough(t *testing.T) {
	first := newMockSource("binance", 1500)
	first.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, nil).Once()
	second := newMockSource("gate", 2000)
	second.On("FetchChunk", mock.Anything, mock.Anything).Return(func(_ context.Context, req ChunkRequest) []market.Candle {
		return dayCandles(req.Start, req.End)
	}, nil).Once()

	chain := newTestChain(t, first, second)
	chunk, err := chain.Fetch(context.Background(), dailyRecord, 30)
	require.NoError(t, err)
	assert.Equal(t, "gate", chunk.Source)
	assert.Len(t, chunk.Points, 30)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestChainEmptyOnlyWhenEverySourceAnswersEmpty(t *testing.T) {
	t.Run("all empty", func(t *testing.T) {
		first := newMockSource("binance", 1500)
		first.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, nil).Once()
		second := newMockSource("gate", 10)
		second.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, nil).Once()
		third := newMockSource("coingecko", 180)
		third.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, Permanent("coingecko", errors.New("unknown coin"))).Once()

		chain := newTestChain(t, first, second, third)
		chunk, err := chain.Fetch(context.Background(), dailyRecord, 30)
		require.NoError(t, err)
		assert.Empty(t, chunk.Points)
		// 取最小的空窗口
		assert.Equal(t, "gate", chunk.Source)
		assert.Equal(t, int64(10), chunk.Window.Units)
	})
	t.Run("transient keeps retrying", func(t *testing.T) {
		first := newMockSource("binance", 1500)
		first.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, nil).Once()
		second := newMockSource("gate", 2000)
		second.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, Transient("gate", errors.New("503"))).Once()

		chain := newTestChain(t, first, second)
		_, err := chain.Fetch(context.Background(), dailyRecord, 30)
		require.Error(t, err)
		assert.Equal(t, KindTransient, KindOf(err))
	})
}

func TestChainSkipsUnsupportedGranularity(t *testing.T) {
	src := &MockSource{name: "coingecko"}
	src.On("Supports", market.Minute).Return(false)

	chain := newTestChain(t, src)
	rec := dailyRecord
	rec.Granularity = market.Minute
	_, err := chain.Fetch(context.Background(), rec, 30)
	require.ErrorIs(t, err, ErrNoSource)
	assert.Equal(t, KindPermanent, KindOf(err))
	assert.Empty(t, chain.Order(market.Minute))
	src.AssertNotCalled(t, "FetchChunk", mock.Anything, mock.Anything)
}

func TestChainPenalizesThrottledSource(t *testing.T) {
	src := newMockSource("binance", 1500)
	src.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, Throttled("binance", errors.New("429")))

	lim := &recordingLimiter{}
	chain, err := NewChain([]SourceClient{src}, ChainOptions{
		Ranking:        testRanking,
		Limiter:        lim,
		ThrottleFactor: 2,
		ThrottleWindow: time.Minute,
	})
	require.NoError(t, err)
	_, err = chain.Fetch(context.Background(), dailyRecord, 30)
	assert.Equal(t, KindThrottle, KindOf(err))
	assert.Equal(t, 2.0, lim.penalized["binance"])
}

func TestChainBreakerSkipsFailingSource(t *testing.T) {
	flaky := newMockSource("binance", 1500)
	flaky.On("FetchChunk", mock.Anything, mock.Anything).Return(nil, Transient("binance", errors.New("503"))).Times(2)
	backup := newMockSource("gate", 2000)
	backup.On("FetchChunk", mock.Anything, mock.Anything).Return(func(_ context.Context, req ChunkRequest) []market.Candle {
		return dayCandles(req.Start, req.End)
	}, nil)

	chain, err := NewChain([]SourceClient{flaky, backup}, ChainOptions{
		Ranking:          testRanking,
		Limiter:          &recordingLimiter{},
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		chunk, err := chain.Fetch(context.Background(), dailyRecord, 30)
		require.NoError(t, err)
		assert.Equal(t, "gate", chunk.Source)
	}
	// 第三次调用时 binance 已熔断，不再被请求
	flaky.AssertNumberOfCalls(t, "FetchChunk", 2)
	assert.Equal(t, "OPEN", chain.BreakerStates()["binance"])
}

func TestChainWaitHonoursCancellation(t *testing.T) {
	src := newMockSource("binance", 1500)
	lim := ratelimit.NewLocal(map[string]ratelimit.Budget{"binance": {MaxCallsPerMinute: 1, SafetyFraction: 1}})
	chain, err := NewChain([]SourceClient{src}, ChainOptions{Ranking: testRanking, Limiter: lim})
	require.NoError(t, err)
	src.On("FetchChunk", mock.Anything, mock.Anything).Return(func(_ context.Context, req ChunkRequest) []market.Candle {
		return dayCandles(req.Start, req.End)
	}, nil).Once()

	_, err = chain.Fetch(context.Background(), dailyRecord, 30)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = chain.Fetch(ctx, dailyRecord, 30)
	require.Error(t, err)
	src.AssertNumberOfCalls(t, "FetchChunk", 1)
}

// 任意窗口内对同一来源的调用次数不超过 W * calls * safety / 60（突发为 1）。
func TestChainRateCompliance(t *testing.T) {
	src := &seriesSource{name: "binance", maxChunk: 1500}
	lim := ratelimit.NewLocal(map[string]ratelimit.Budget{"binance": {MaxCallsPerMinute: 800, SafetyFraction: 0.75}})
	interval := lim.Interval("binance")
	require.Equal(t, 100*time.Millisecond, interval)
	chain, err := NewChain([]SourceClient{src}, ChainOptions{Ranking: testRanking, Limiter: lim})
	require.NoError(t, err)

	var stamps []time.Time
	src.onFetch = func(int) { stamps = append(stamps, time.Now()) }
	for i := 0; i < 5; i++ {
		_, err := chain.Fetch(context.Background(), dailyRecord, 30)
		require.NoError(t, err)
	}
	require.Len(t, stamps, 5)
	// 5 次调用至少跨越 4 个间隔，留 10ms 计时抖动
	assert.GreaterOrEqual(t, stamps[4].Sub(stamps[0]), 4*interval-10*time.Millisecond)
}
