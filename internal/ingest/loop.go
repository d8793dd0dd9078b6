package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backfill/internal/gateway/notifier"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/scheduler"
	"backfill/internal/store"
)

// LoopState 是采集循环的状态机状态。
type LoopState string

const (
	StateIdle       LoopState = "idle"
	StateWorking    LoopState = "working"
	StateBackingOff LoopState = "backing_off"
	StateDone       LoopState = "done"
)

// Archiver 在记录完成时导出其 K 线。
type Archiver interface {
	Export(ctx context.Context, instrument string, g market.Granularity) (string, int, error)
}

type LoopConfig struct {
	Name        string
	Granularity market.Granularity
	ChunkSize   int64
	// Forever 为 true 时 claim 不到记录会 Rearm 并继续，否则进入 done。
	Forever     bool
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Idle        time.Duration
}

type LoopDeps struct {
	Progress store.ProgressStore
	Fetcher  Fetcher
	Writer   *Writer
	Notifier notifier.Notifier
	Archiver Archiver
}

// PassStats 汇总一次或多次遍历的结果。
type PassStats struct {
	Chunks    int            `json:"chunks"`
	Inserted  int64          `json:"inserted"`
	Retries   int            `json:"retries"`
	Failures  int            `json:"failures"`
	Completed int            `json:"completed"`
	Paused    int            `json:"paused"`
	BySource  map[string]int `json:"by_source,omitempty"`
}

func (p *PassStats) Merge(o PassStats) {
	p.Chunks += o.Chunks
	p.Inserted += o.Inserted
	p.Retries += o.Retries
	p.Failures += o.Failures
	p.Completed += o.Completed
	p.Paused += o.Paused
	for k, v := range o.BySource {
		if p.BySource == nil {
			p.BySource = make(map[string]int)
		}
		p.BySource[k] += v
	}
}

func (p *PassStats) served(source string) {
	if p.BySource == nil {
		p.BySource = make(map[string]int)
	}
	p.BySource[source]++
}

var errNotPublished = errors.New("no candles published yet")

// Loop 反复 claim 进度最少的记录、拉取一块、写入并推进。
// 循环之间只通过 ProgressStore 的原子 claim/advance 协调。
type Loop struct {
	cfg      LoopConfig
	progress store.ProgressStore
	fetcher  Fetcher
	writer   *Writer
	notifier notifier.Notifier
	archiver Archiver

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu    sync.RWMutex
	state LoopState
}

func NewLoop(cfg LoopConfig, deps LoopDeps) (*Loop, error) {
	if deps.Progress == nil || deps.Fetcher == nil || deps.Writer == nil {
		return nil, errors.New("loop requires progress store, fetcher and writer")
	}
	if !cfg.Granularity.Valid() {
		return nil, fmt.Errorf("loop: invalid granularity %q", cfg.Granularity)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("loop: chunk size must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Granularity)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Idle <= 0 {
		cfg.Idle = time.Minute
	}
	n := deps.Notifier
	if n == nil {
		n = notifier.NewLog()
	}
	return &Loop{
		cfg:      cfg,
		progress: deps.Progress,
		fetcher:  deps.Fetcher,
		writer:   deps.Writer,
		notifier: n,
		archiver: deps.Archiver,
		sleep:    sleepCtx,
		now:      time.Now,
		state:    StateIdle,
	}, nil
}

func (l *Loop) Name() string { return l.cfg.Name }

func (l *Loop) State() LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run 持续运行直到 ctx 取消；once 策略在没有可 claim 的记录时结束。
func (l *Loop) Run(ctx context.Context) (PassStats, error) {
	var total PassStats
	defer l.setState(StateDone)
	for {
		stats, err := l.Pass(ctx)
		total.Merge(stats)
		if ctx.Err() != nil {
			return total, nil
		}
		if err != nil {
			logger.Errorf("[ingest] %s pass failed: %v", l.cfg.Name, err)
			if serr := l.sleep(ctx, l.cfg.Idle); serr != nil {
				return total, nil
			}
			continue
		}
		if !l.cfg.Forever {
			logger.Infof("[ingest] %s done: chunks=%d inserted=%d completed=%d paused=%d",
				l.cfg.Name, total.Chunks, total.Inserted, total.Completed, total.Paused)
			return total, nil
		}
		n, err := l.progress.Rearm(ctx, l.cfg.Granularity, scheduler.Settled(l.now(), scheduler.DefaultGrace))
		if err != nil {
			logger.Warnf("[ingest] %s rearm failed: %v", l.cfg.Name, err)
		}
		if n == 0 {
			if serr := l.sleep(ctx, l.idleWait()); serr != nil {
				return total, nil
			}
		}
	}
}

// idleWait 等到下一根 K 线收盘并过宽限期，但不超过配置的 Idle。
func (l *Loop) idleWait() time.Duration {
	_, wakeAt, wait := scheduler.NextClose(l.now(), l.cfg.Granularity.Duration(), scheduler.DefaultGrace)
	if wait <= 0 || wait > l.cfg.Idle {
		return l.cfg.Idle
	}
	logger.Debugf("[ingest] %s idle until %s", l.cfg.Name, wakeAt.Format(time.RFC3339))
	return wait
}

// Pass claims records until none is eligible or ctx is cancelled. The stop
// signal is only observed before a claim and while waiting; a fetch in flight
// is written and recorded before returning.
func (l *Loop) Pass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		rec, err := l.progress.ClaimNext(ctx, l.cfg.Granularity)
		if errors.Is(err, store.ErrClaimLost) {
			// 其他循环抢走了所有候选，重新 claim
			logger.Debugf("[ingest] %s claim contention, retrying", l.cfg.Name)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, fmt.Errorf("claim %s: %w", l.cfg.Granularity, err)
		}
		if rec == nil {
			l.setState(StateIdle)
			return stats, nil
		}
		l.setState(StateWorking)
		l.work(ctx, *rec, &stats)
	}
}

func (l *Loop) work(ctx context.Context, rec store.ProgressRecord, stats *PassStats) {
	detached := context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		err := l.step(ctx, rec, stats)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			l.release(detached, rec)
			return
		}
		if KindOf(err) == KindPermanent || attempt >= l.cfg.MaxRetries {
			l.fail(detached, rec, err, stats)
			return
		}
		renewed, rerr := l.progress.Renew(detached, rec)
		if rerr != nil {
			logger.Warnf("[ingest] %s %s lease renewal failed, abandoning: %v", l.cfg.Name, rec.Instrument, rerr)
			if !errors.Is(rerr, store.ErrClaimLost) {
				l.release(detached, rec)
			}
			return
		}
		rec = renewed
		delay := l.backoff(attempt)
		stats.Retries++
		logger.Warnf("[ingest] %s %s retry %d/%d in %s: %v", l.cfg.Name, rec.Instrument, attempt+1, l.cfg.MaxRetries, delay, err)
		l.setState(StateBackingOff)
		if serr := l.sleep(ctx, delay); serr != nil {
			l.release(detached, rec)
			return
		}
		l.setState(StateWorking)
	}
}

// step 拉取并持久化一块；只有写入成功后才推进进度。
func (l *Loop) step(ctx context.Context, rec store.ProgressRecord, stats *PassStats) error {
	detached := context.WithoutCancel(ctx)
	if rec.Remaining() <= 0 {
		return l.advance(detached, rec, 0, rec.Cursor, "", stats)
	}
	chunk, err := l.fetcher.Fetch(ctx, rec, l.cfg.ChunkSize)
	if err != nil {
		return err
	}
	delta, cursor := chunk.Window.Units, chunk.Window.Next
	if len(chunk.Points) == 0 {
		switch {
		case rec.Backward():
			// 所有来源在窗口内都没有数据：视为已到达上市前的边界
			delta = rec.Remaining()
			logger.Infof("[ingest] %s %s: no source has data in [%d,%d], marking complete",
				l.cfg.Name, rec.Instrument, chunk.Window.Start, chunk.Window.End)
		case delta >= rec.Remaining():
			// 向前追新时尾部为空说明数据尚未发布，不能据此完成
			return Transient(chunk.Source, fmt.Errorf("%w in [%d,%d]", errNotPublished, chunk.Window.Start, chunk.Window.End))
		default:
			logger.Infof("[ingest] %s %s: gap in [%d,%d], skipping",
				l.cfg.Name, rec.Instrument, chunk.Window.Start, chunk.Window.End)
		}
	} else {
		report, err := l.writer.Write(detached, chunk.Points)
		stats.Inserted += report.Inserted
		if err != nil {
			return fmt.Errorf("write %s %s: %w", rec.Instrument, rec.Granularity, err)
		}
	}
	return l.advance(detached, rec, delta, cursor, chunk.Source, stats)
}

func (l *Loop) advance(ctx context.Context, rec store.ProgressRecord, delta, cursor int64, source string, stats *PassStats) error {
	updated, err := l.progress.Advance(ctx, rec, delta, cursor)
	if errors.Is(err, store.ErrClaimLost) {
		logger.Warnf("[ingest] %s %s claim lost before advance", l.cfg.Name, rec.Instrument)
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance %s %s: %w", rec.Instrument, rec.Granularity, err)
	}
	stats.Chunks++
	if source != "" {
		stats.served(source)
	}
	logger.Debugf("[ingest] %s %s +%d -> %d/%d via %s", l.cfg.Name, rec.Instrument, delta, updated.Collected, updated.Target, source)
	if updated.Status == store.StatusCompleted {
		stats.Completed++
		// rearm 后的再次完成不重复通知与归档
		if rec.CompletedAt.IsZero() {
			l.onCompleted(ctx, updated)
		}
	}
	return nil
}

func (l *Loop) fail(ctx context.Context, rec store.ProgressRecord, cause error, stats *PassStats) {
	stats.Failures++
	updated, err := l.progress.RecordFailure(ctx, rec, cause.Error())
	if errors.Is(err, store.ErrClaimLost) {
		logger.Warnf("[ingest] %s %s claim lost before recording failure: %v", l.cfg.Name, rec.Instrument, cause)
		return
	}
	if err != nil {
		logger.Errorf("[ingest] %s %s record failure: %v", l.cfg.Name, rec.Instrument, err)
		return
	}
	logger.Warnf("[ingest] %s %s failed (%d): %v", l.cfg.Name, rec.Instrument, updated.ErrorCount, cause)
	if updated.Status == store.StatusPaused {
		stats.Paused++
		l.emit(ctx, notifier.EventPaused, updated)
	}
}

func (l *Loop) release(ctx context.Context, rec store.ProgressRecord) {
	if err := l.progress.Release(ctx, rec); err != nil {
		logger.Warnf("[ingest] %s %s release: %v", l.cfg.Name, rec.Instrument, err)
	}
}

func (l *Loop) onCompleted(ctx context.Context, rec store.ProgressRecord) {
	logger.Infof("[ingest] %s %s completed (%d/%d)", l.cfg.Name, rec.Instrument, rec.Collected, rec.Target)
	l.emit(ctx, notifier.EventCompleted, rec)
	if l.archiver == nil {
		return
	}
	if _, _, err := l.archiver.Export(ctx, rec.Instrument, rec.Granularity); err != nil {
		logger.Errorf("[ingest] archive %s %s: %v", rec.Instrument, rec.Granularity, err)
	}
}

func (l *Loop) emit(ctx context.Context, typ notifier.EventType, rec store.ProgressRecord) {
	evt := notifier.Event{
		Type:        typ,
		Instrument:  rec.Instrument,
		Granularity: string(rec.Granularity),
		Collected:   rec.Collected,
		Target:      rec.Target,
		ErrorCount:  rec.ErrorCount,
		LastError:   rec.LastError,
		Timestamp:   l.now(),
	}
	if err := l.notifier.Notify(ctx, evt); err != nil {
		logger.Warnf("[ingest] notify %s %s: %v", typ, rec.Instrument, err)
	}
}

// backoff 返回第 attempt 次重试前的等待：base * 2^attempt，封顶 BackoffMax。
func (l *Loop) backoff(attempt int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	return d
}
