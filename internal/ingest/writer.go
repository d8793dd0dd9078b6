package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/store"
)

// ErrBatchDropped 表示有子批次因未知写入错误被丢弃；调用方不应推进进度。
var ErrBatchDropped = errors.New("batch dropped after unknown write error")

const (
	defaultWriteBatch    = 100
	defaultOverloadTries = 3
	defaultOverloadDelay = 200 * time.Millisecond
)

type WriterOptions struct {
	BatchSize     int
	OverloadTries int
	OverloadDelay time.Duration
}

// Writer 按来源优先级去重后分批写入 CandleStore。
type Writer struct {
	candles   store.CandleStore
	ranking   market.Ranking
	batchSize int
	tries     int
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func NewWriter(candles store.CandleStore, ranking market.Ranking, opts WriterOptions) *Writer {
	w := &Writer{
		candles:   candles,
		ranking:   ranking,
		batchSize: opts.BatchSize,
		tries:     opts.OverloadTries,
		delay:     opts.OverloadDelay,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultWriteBatch
	}
	if w.tries <= 0 {
		w.tries = defaultOverloadTries
	}
	if w.delay <= 0 {
		w.delay = defaultOverloadDelay
	}
	return w
}

// WriteReport 汇总一次写入。
type WriteReport struct {
	Received int           `json:"received"`
	Unique   int           `json:"unique"`
	Inserted int64         `json:"inserted"`
	Dropped  int           `json:"dropped"`
	Batches  int           `json:"batches"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Throughput 返回每秒写入行数。
func (r WriteReport) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Inserted) / r.Elapsed.Seconds()
}

// Dedup 对同一 (instrument, timestamp, granularity) 只保留优先级最高的来源。
func Dedup(points []market.Point, ranking market.Ranking) []market.Point {
	return ranking.Best(points)
}

// Write 去重并按子批次写入。过载错误整批退避重试；重试耗尽返回 ErrOverloaded；
// 未知错误丢弃该子批次并继续，最终返回 ErrBatchDropped。
func (w *Writer) Write(ctx context.Context, points []market.Point) (WriteReport, error) {
	started := w.now()
	unique := Dedup(points, w.ranking)
	report := WriteReport{Received: len(points), Unique: len(unique)}
	var dropErr error
	for start := 0; start < len(unique); start += w.batchSize {
		end := start + w.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]
		report.Batches++
		inserted, err := w.insert(ctx, batch)
		report.Inserted += inserted
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrOverloaded) {
			report.Elapsed = w.now().Sub(started)
			return report, err
		}
		report.Dropped += len(batch)
		logger.Errorf("[ingest] drop %d points (%s %s): %v", len(batch), batch[0].Instrument, batch[0].Granularity, err)
		dropErr = fmt.Errorf("%w: %v", ErrBatchDropped, err)
	}
	report.Elapsed = w.now().Sub(started)
	if report.Inserted > 0 {
		logger.Debugf("[ingest] wrote %d/%d points in %s (%.1f rows/s)", report.Inserted, report.Unique, report.Elapsed, report.Throughput())
	}
	return report, dropErr
}

func (w *Writer) insert(ctx context.Context, batch []market.Point) (int64, error) {
	delay := w.delay
	var err error
	for attempt := 1; attempt <= w.tries; attempt++ {
		var n int64
		n, err = w.candles.InsertIgnore(ctx, batch)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, store.ErrOverloaded) {
			return 0, err
		}
		if attempt == w.tries {
			break
		}
		logger.Warnf("[ingest] store overloaded, retry %d/%d in %s", attempt, w.tries-1, delay)
		if serr := w.sleep(ctx, delay); serr != nil {
			return 0, serr
		}
		delay *= 2
	}
	return 0, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
