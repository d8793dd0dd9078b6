package ingest

import (
	"context"

	"backfill/internal/market"
)

// ChunkRequest 描述一次对单个数据源的区间请求，Start/End 为对齐后的毫秒时间（闭区间）。
type ChunkRequest struct {
	Instrument  string
	Granularity market.Granularity
	Start       int64
	End         int64
	Limit       int
}

// SourceClient is one upstream OHLCV provider.
type SourceClient interface {
	Name() string
	// Supports reports whether the provider serves this granularity at all.
	Supports(g market.Granularity) bool
	// MaxChunk is the largest number of time units one call may return.
	MaxChunk(g market.Granularity) int
	// FetchChunk returns candles in [Start, End]; failures are *FetchError.
	FetchChunk(ctx context.Context, req ChunkRequest) ([]market.Candle, error)
}
