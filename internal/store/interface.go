package store

import (
	"context"
	"errors"
	"time"

	"backfill/internal/market"
)

var (
	// ErrNotFound 表示指定的进度记录不存在。
	ErrNotFound = errors.New("store: record not found")
	// ErrOverloaded 表示后端繁忙（锁冲突/连接耗尽），可整体重试。
	ErrOverloaded = errors.New("store: backend overloaded")
	// ErrClaimLost 表示记录已被其他循环接管（租约过期后重新 claim）。
	ErrClaimLost = errors.New("store: claim lost")
)

// CandleStore persists tagged OHLCV points keyed by
// (instrument, timestamp, granularity, source).
type CandleStore interface {
	// InsertIgnore writes points; existing keys are left untouched.
	// Returns the number of rows actually inserted.
	InsertIgnore(ctx context.Context, points []market.Point) (int64, error)
	// Best returns one point per timestamp in [start, end], picking the
	// highest ranked source.
	Best(ctx context.Context, instrument string, g market.Granularity, start, end int64, ranking market.Ranking) ([]market.Point, error)
	// Count returns stored rows (all sources) for instrument+granularity.
	Count(ctx context.Context, instrument string, g market.Granularity) (int64, error)
}

// ProgressStore holds one ProgressRecord per (instrument, granularity) and
// coordinates loops through atomic claim/advance.
type ProgressStore interface {
	Seed(ctx context.Context, req SeedRequest) (int, error)
	// ClaimNext returns nil when no eligible record exists and ErrClaimLost
	// when every attempt lost the race to another loop.
	ClaimNext(ctx context.Context, g market.Granularity) (*ProgressRecord, error)
	Advance(ctx context.Context, rec ProgressRecord, delta, cursor int64) (ProgressRecord, error)
	// RecordFailure, Release and Renew only apply while rec still holds the
	// claim; otherwise they return ErrClaimLost.
	RecordFailure(ctx context.Context, rec ProgressRecord, reason string) (ProgressRecord, error)
	// Release hands a claimed record back to pending without touching counters.
	Release(ctx context.Context, rec ProgressRecord) error
	// Renew extends the claim lease.
	Renew(ctx context.Context, rec ProgressRecord) (ProgressRecord, error)
	Reset(ctx context.Context, instrument string, g market.Granularity) (ProgressRecord, error)
	// Rearm re-opens completed forward records for the units elapsed since
	// their cursor. Paused records stay paused.
	Rearm(ctx context.Context, g market.Granularity, now time.Time) (int, error)
	Get(ctx context.Context, instrument string, g market.Granularity) (ProgressRecord, error)
	// List returns every record; an empty granularity means all.
	List(ctx context.Context, g market.Granularity) ([]ProgressRecord, error)
}

// RunStore keeps the history of trigger-once passes.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
