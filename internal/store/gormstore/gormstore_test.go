package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"backfill/internal/config"
	"backfill/internal/market"
	"backfill/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(config.StoreConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "backfill.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

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

func newProgress(t *testing.T) (*ProgressStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)}
	return NewProgressStore(openTestDB(t), ProgressOptions{PauseThreshold: 3, ClaimLease: time.Minute, Now: clock.Now}), clock
}

func seed(t *testing.T, s *ProgressStore, g market.Granularity, target int64, direction string, instruments ...string) {
	t.Helper()
	_, err := s.Seed(context.Background(), store.SeedRequest{
		Instruments: instruments,
		Granularity: g,
		Target:      target,
		Direction:   direction,
	})
	require.NoError(t, err)
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	n, err := s.Seed(ctx, store.SeedRequest{Instruments: []string{"BTC/USDT", "ETH/USDT"}, Granularity: market.Day, Target: 1825, Direction: store.DirectionBackward})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Seed(ctx, store.SeedRequest{Instruments: []string{"BTC/USDT"}, Granularity: market.Day, Target: 99, Direction: store.DirectionBackward})
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := s.Get(ctx, "BTC/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, int64(1825), rec.Target)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, market.Day.Align(clock.Now().UnixMilli()), rec.Cursor)
}

func TestClaimPicksLeastCollected(t *testing.T) {
	ctx := context.Background()
	s, _ := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "A/USDT", "B/USDT")

	first, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, first)
	_, err = s.Advance(ctx, *first, 10, first.Cursor-10*market.Day.Step())
	require.NoError(t, err)

	next, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, first.Instrument, next.Instrument)
	assert.Equal(t, store.StatusInProgress, next.Status)
}

func TestDailyBackfillCompletesAfter61Chunks(t *testing.T) {
	ctx := context.Background()
	s, _ := newProgress(t)
	seed(t, s, market.Day, 1825, store.DirectionBackward, "X/USDT")

	chunks := 0
	for {
		rec, err := s.ClaimNext(ctx, market.Day)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		n := rec.Remaining()
		if n > 30 {
			n = 30
		}
		before := rec.Collected
		updated, err := s.Advance(ctx, *rec, n, rec.Cursor-n*market.Day.Step())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, updated.Collected, before)
		chunks++
		require.LessOrEqual(t, chunks, 100)
	}
	assert.Equal(t, 61, chunks)
	rec, err := s.Get(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, int64(1825), rec.Collected)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestPauseThresholdAndReset(t *testing.T) {
	ctx := context.Background()
	s, _ := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "X/USDT")

	rec, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec2, err := s.Advance(ctx, *rec, 5, rec.Cursor-5*market.Day.Step())
	require.NoError(t, err)

	var last store.ProgressRecord
	for i := 0; i < 3; i++ {
		claimed, err := s.ClaimNext(ctx, market.Day)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", i)
		last, err = s.RecordFailure(ctx, *claimed, "upstream timeout")
		require.NoError(t, err)
	}
	assert.Equal(t, store.StatusPaused, last.Status)
	assert.Equal(t, 3, last.ErrorCount)
	assert.Equal(t, "upstream timeout", last.LastError)

	none, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.RecordFailure(ctx, last, "again")
	assert.ErrorIs(t, err, store.ErrClaimLost)
	after, err := s.Get(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, 3, after.ErrorCount)
	assert.Equal(t, store.StatusPaused, after.Status)
	assert.Equal(t, "upstream timeout", after.LastError)

	reset, err := s.Reset(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, reset.Status)
	assert.Zero(t, reset.ErrorCount)
	assert.Equal(t, rec2.Collected, reset.Collected)
	assert.Equal(t, rec2.Cursor, reset.Cursor)
}

func TestResetUnknownRecord(t *testing.T) {
	s, _ := newProgress(t)
	_, err := s.Reset(context.Background(), "NOPE/USDT", market.Day)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentClaimSingleRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := newProgress(t)
	seed(t, s, market.Hour, 10, store.DirectionBackward, "X/USDT")

	var wg sync.WaitGroup
	results := make([]*store.ProgressRecord, 2)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rec, err := s.ClaimNext(ctx, market.Hour)
			assert.NoError(t, err)
			results[idx] = rec
		}(i)
	}
	wg.Wait()
	claimed := 0
	for _, rec := range results {
		if rec != nil {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestStaleClaimIsRecoveredAndOldClaimLoses(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "X/USDT")

	crashed, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, crashed)

	none, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(2 * time.Minute)
	again, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, crashed.Instrument, again.Instrument)
	assert.Equal(t, crashed.Cursor, again.Cursor)

	_, err = s.Advance(ctx, *crashed, 10, crashed.Cursor-10*market.Day.Step())
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestStaleClaimFailureCannotReleaseNewOwner(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "X/USDT")

	a, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, a)
	clock.Advance(2 * time.Minute)
	b, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, b)

	_, err = s.RecordFailure(ctx, *a, "late timeout")
	assert.ErrorIs(t, err, store.ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, *a), store.ErrClaimLost)

	third, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	assert.Nil(t, third)

	got, err := s.Get(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
	assert.Empty(t, got.LastError)

	_, err = s.Advance(ctx, *b, 10, b.Cursor-10*market.Day.Step())
	assert.NoError(t, err)
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "X/USDT")

	rec, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, rec)
	clock.Advance(45 * time.Second)
	renewed, err := s.Renew(ctx, *rec)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, renewed.Version)
	assert.Equal(t, clock.Now().UnixMilli(), renewed.ClaimedAt.UnixMilli())

	clock.Advance(45 * time.Second)
	none, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(time.Minute)
	thief, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, thief)
	_, err = s.Renew(ctx, renewed)
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestCompletedAtSetOnceAcrossRearm(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	seed(t, s, market.Minute, 10, store.DirectionForward, "X/USDT")

	rec, err := s.ClaimNext(ctx, market.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CompletedAt.IsZero())
	done, err := s.Advance(ctx, *rec, 10, rec.Cursor+10*market.Minute.Step())
	require.NoError(t, err)
	first := done.CompletedAt
	require.False(t, first.IsZero())

	clock.Advance(5 * time.Minute)
	n, err := s.Rearm(ctx, market.Minute, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	again, err := s.ClaimNext(ctx, market.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.UnixMilli(), again.CompletedAt.UnixMilli())
	redone, err := s.Advance(ctx, *again, again.Remaining(), again.Cursor+again.Remaining()*market.Minute.Step())
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, redone.Status)
	assert.Equal(t, first.UnixMilli(), redone.CompletedAt.UnixMilli())
}

func TestReleaseReturnsRecordToPending(t *testing.T) {
	ctx := context.Background()
	s, _ := newProgress(t)
	seed(t, s, market.Day, 100, store.DirectionBackward, "X/USDT")
	rec, err := s.ClaimNext(ctx, market.Day)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, s.Release(ctx, *rec))

	got, err := s.Get(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Zero(t, got.Collected)
}

func TestRearmExtendsForwardRecords(t *testing.T) {
	ctx := context.Background()
	s, clock := newProgress(t)
	seed(t, s, market.Minute, 10, store.DirectionForward, "X/USDT")

	rec, err := s.ClaimNext(ctx, market.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	done, err := s.Advance(ctx, *rec, 10, rec.Cursor+10*market.Minute.Step())
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, done.Status)

	n, err := s.Rearm(ctx, market.Minute, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Rearm(ctx, market.Minute, clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.Get(ctx, "X/USDT", market.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.Target)
	assert.Equal(t, int64(10), got.Collected)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestCandleStoreInsertIgnoreAndBest(t *testing.T) {
	ctx := context.Background()
	s := NewCandleStore(openTestDB(t), 100)
	ranking := market.NewRanking(map[string]int{"cryptocompare": 30, "coingecko": 20})

	gecko := market.Point{Instrument: "X/USDT", Timestamp: 1000, Granularity: market.Day, Source: "coingecko", Close: 1}
	n, err := s.InsertIgnore(ctx, []market.Point{gecko})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.InsertIgnore(ctx, []market.Point{gecko})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.InsertIgnore(ctx, []market.Point{
		{Instrument: "X/USDT", Timestamp: 1000, Granularity: market.Day, Source: "cryptocompare", Close: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	best, err := s.Best(ctx, "X/USDT", market.Day, 0, 2000, ranking)
	require.NoError(t, err)
	require.Len(t, best, 1)
	assert.Equal(t, "cryptocompare", best[0].Source)
	assert.Equal(t, 2.0, best[0].Close)

	count, err := s.Count(ctx, "X/USDT", market.Day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewRunStore(openTestDB(t))
	start := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.SaveRun(ctx, store.RunRecord{ID: "a", Granularity: market.Day, StartedAt: start, FinishedAt: start.Add(time.Second), Chunks: 3, Inserted: 90}))
	require.NoError(t, s.SaveRun(ctx, store.RunRecord{ID: "b", Granularity: market.Hour, StartedAt: start.Add(time.Minute), Stats: map[string]any{"sources": "binance"}}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "binance", runs[0].Stats["sources"])
	assert.True(t, runs[0].FinishedAt.IsZero())
	assert.Equal(t, int64(90), runs[1].Inserted)
	assert.Equal(t, start.Add(time.Second).UnixMilli(), runs[1].FinishedAt.UnixMilli())
}

func TestClassifyWriteError(t *testing.T) {
	assert.ErrorIs(t, classifyWriteError(errors.New("database is locked (5) (SQLITE_BUSY)")), store.ErrOverloaded)
	assert.ErrorIs(t, classifyWriteError(&pgconn.PgError{Code: "40001"}), store.ErrOverloaded)
	plain := errors.New("constraint failed")
	assert.NotErrorIs(t, classifyWriteError(plain), store.ErrOverloaded)
	assert.NoError(t, classifyWriteError(nil))
}
