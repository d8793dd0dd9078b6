package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"backfill/internal/config"
	"backfill/internal/gateway/notifier"
	"backfill/internal/market"
	"backfill/internal/ratelimit"
	"backfill/internal/store"
	"backfill/internal/store/gormstore"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testStores struct {
	progress *gormstore.ProgressStore
	candles  *gormstore.CandleStore
	runs     *gormstore.RunStore
	clock    *fakeClock
}

func openStores(t *testing.T) testStores {
	t.Helper()
	db, err := gormstore.Open(config.StoreConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "ingest.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gormstore.Close(db) })
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)}
	return testStores{
		progress: gormstore.NewProgressStore(db, gormstore.ProgressOptions{PauseThreshold: 3, ClaimLease: time.Minute, Now: clock.Now}),
		candles:  gormstore.NewCandleStore(db, 100),
		runs:     gormstore.NewRunStore(db),
		clock:    clock,
	}
}

func (s testStores) seed(t *testing.T, g market.Granularity, target int64, direction string, instruments ...string) {
	t.Helper()
	_, err := s.progress.Seed(context.Background(), store.SeedRequest{
		Instruments: instruments,
		Granularity: g,
		Target:      target,
		Direction:   direction,
		Now:         s.clock.Now(),
	})
	require.NoError(t, err)
}

// seriesSource 对任意窗口返回连续、对齐的 K 线。
type seriesSource struct {
	name     string
	maxChunk int
	empty    bool
	onFetch  func(call int)

	mu       sync.Mutex
	requests []ChunkRequest
}

func (s *seriesSource) Name() string                     { return s.name }
func (s *seriesSource) Supports(market.Granularity) bool { return true }
func (s *seriesSource) MaxChunk(market.Granularity) int  { return s.maxChunk }

func (s *seriesSource) FetchChunk(_ context.Context, req ChunkRequest) ([]market.Candle, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if s.empty {
		return nil, nil
	}
	step := req.Granularity.Step()
	var out []market.Candle
	for ts := req.Start; ts <= req.End; ts += step {
		out = append(out, market.Candle{OpenTime: ts, CloseTime: ts + step - 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})
	}
	return out, nil
}

func (s *seriesSource) Requests() []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkRequest(nil), s.requests...)
}

// failingSource 总是返回同一个错误。
type failingSource struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (f *failingSource) Name() string                     { return f.name }
func (f *failingSource) Supports(market.Granularity) bool { return true }
func (f *failingSource) MaxChunk(market.Granularity) int  { return 1000 }

func (f *failingSource) FetchChunk(context.Context, ChunkRequest) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil, f.err
}

func (f *failingSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt notifier.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) Events() []notifier.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.Event(nil), r.events...)
}

var testRanking = market.NewRanking(map[string]int{"cryptocompare": 30, "coingecko": 20, "binance": 50, "gate": 40})

func newTestChain(t *testing.T, sources ...SourceClient) *Chain {
	t.Helper()
	chain, err := NewChain(sources, ChainOptions{Ranking: testRanking, Limiter: ratelimit.NewLocal(nil)})
	require.NoError(t, err)
	return chain
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
