package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backfill/internal/config"
	"backfill/internal/gateway/notifier"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress 表示该粒度已有 trigger-once 在执行。
var ErrRunInProgress = errors.New("a run for this granularity is already in progress")

type ServiceParams struct {
	Config   *config.Config
	Progress store.ProgressStore
	Candles  store.CandleStore
	Runs     store.RunStore
	Fetcher  Fetcher
	Notifier notifier.Notifier
	Archiver Archiver
}

// Service 负责播种进度、启动采集循环并对外提供状态/重置/查询。
type Service struct {
	cfg      *config.Config
	progress store.ProgressStore
	candles  store.CandleStore
	runs     store.RunStore
	fetcher  Fetcher
	writer   *Writer
	notifier notifier.Notifier
	archiver Archiver
	ranking  market.Ranking
	now      func() time.Time

	mu      sync.RWMutex
	loops   map[string]*Loop
	active  map[market.Granularity]string
	baseCtx context.Context
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Config == nil {
		return nil, errors.New("config 不能为空")
	}
	if p.Progress == nil || p.Candles == nil || p.Fetcher == nil {
		return nil, errors.New("progress store、candle store 与 fetcher 不能为空")
	}
	ranking := market.NewRanking(p.Config.Priorities())
	n := p.Notifier
	if n == nil {
		n = notifier.NewLog()
	}
	return &Service{
		cfg:      p.Config,
		progress: p.Progress,
		candles:  p.Candles,
		runs:     p.Runs,
		fetcher:  p.Fetcher,
		writer:   NewWriter(p.Candles, ranking, WriterOptions{BatchSize: p.Config.Store.BatchSize}),
		notifier: n,
		archiver: p.Archiver,
		ranking:  ranking,
		now:      time.Now,
		loops:    make(map[string]*Loop),
		active:   make(map[market.Granularity]string),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 设置后台 trigger-once 使用的根 context（进程退出时取消）。
func (s *Service) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *Service) ctx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

func (s *Service) Ranking() market.Ranking { return s.ranking }

// Seed 为每个启用粒度创建缺失的进度记录，已有记录不变。
func (s *Service) Seed(ctx context.Context) (int, error) {
	total := 0
	for _, g := range s.cfg.EnabledGranularities() {
		gc, _ := s.cfg.Granularity(g)
		n, err := s.progress.Seed(ctx, store.SeedRequest{
			Instruments: s.cfg.Ingest.Instruments,
			Granularity: g,
			Target:      gc.ResolveTarget(g),
			Direction:   gc.Direction,
			Now:         s.now(),
		})
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", g, err)
		}
		if n > 0 {
			logger.Infof("[ingest] seeded %d %s records (target=%d, %s)", n, g, gc.ResolveTarget(g), gc.Direction)
		}
		total += n
	}
	return total, nil
}

func (s *Service) newLoop(g market.Granularity, idx int, forever bool) (*Loop, error) {
	gc, ok := s.cfg.Granularity(g)
	if !ok || !gc.Enabled {
		return nil, fmt.Errorf("granularity %s is not enabled", g)
	}
	ic := s.cfg.Ingest
	return NewLoop(LoopConfig{
		Name:        fmt.Sprintf("%s#%d", g, idx),
		Granularity: g,
		ChunkSize:   int64(gc.ChunkSize),
		Forever:     forever,
		MaxRetries:  ic.MaxRetries,
		BackoffBase: ic.BackoffBase(),
		BackoffMax:  ic.BackoffMax(),
		Idle:        ic.Idle(),
	}, LoopDeps{
		Progress: s.progress,
		Fetcher:  s.fetcher,
		Writer:   s.writer,
		Notifier: s.notifier,
		Archiver: s.archiver,
	})
}

func (s *Service) loopCount(g market.Granularity) int {
	gc, _ := s.cfg.Granularity(g)
	if gc.Loops <= 0 {
		return 1
	}
	return gc.Loops
}

func (s *Service) track(l *Loop) func() {
	s.mu.Lock()
	s.loops[l.Name()] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.loops, l.Name())
		s.mu.Unlock()
	}
}

// Run 为每个启用粒度启动配置数量的循环，直到 ctx 取消或全部 once 循环结束。
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.Seed(ctx); err != nil {
		return err
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, g := range s.cfg.EnabledGranularities() {
		gc, _ := s.cfg.Granularity(g)
		forever := gc.Policy == config.PolicyForever
		for i := 0; i < s.loopCount(g); i++ {
			loop, err := s.newLoop(g, i, forever)
			if err != nil {
				return err
			}
			group.Go(func() error {
				untrack := s.track(loop)
				defer untrack()
				logger.Infof("[ingest] loop %s started (policy=%s chunk=%d)", loop.Name(), gc.Policy, gc.ChunkSize)
				_, err := loop.Run(gctx)
				return err
			})
		}
	}
	return group.Wait()
}

// RunOnce 对一个粒度执行一次完整遍历（直到没有可 claim 的记录），并保存运行记录。
func (s *Service) RunOnce(ctx context.Context, g market.Granularity) (store.RunRecord, error) {
	run, err := s.beginRun(g)
	if err != nil {
		return run, err
	}
	return s.executeRun(ctx, run)
}

// Trigger 在后台执行 RunOnce，立即返回运行记录。
func (s *Service) Trigger(g market.Granularity) (store.RunRecord, error) {
	run, err := s.beginRun(g)
	if err != nil {
		return run, err
	}
	go func() {
		if _, err := s.executeRun(s.ctx(), run); err != nil {
			logger.Errorf("[ingest] run %s failed: %v", run.ID, err)
		}
	}()
	return run, nil
}

func (s *Service) beginRun(g market.Granularity) (store.RunRecord, error) {
	if _, err := s.newLoop(g, 0, false); err != nil {
		return store.RunRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.active[g]; ok {
		return store.RunRecord{ID: id, Granularity: g}, ErrRunInProgress
	}
	run := store.RunRecord{ID: uuid.NewString(), Granularity: g, StartedAt: s.now()}
	s.active[g] = run.ID
	return run, nil
}

func (s *Service) executeRun(ctx context.Context, run store.RunRecord) (store.RunRecord, error) {
	g := run.Granularity
	defer func() {
		s.mu.Lock()
		delete(s.active, g)
		s.mu.Unlock()
	}()
	if _, err := s.Seed(ctx); err != nil {
		return run, err
	}
	s.saveRun(run)
	logger.Infof("[ingest] run %s started for %s", run.ID, g)

	var (
		mu    sync.Mutex
		total PassStats
	)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.loopCount(g); i++ {
		loop, err := s.newLoop(g, i, false)
		if err != nil {
			return run, err
		}
		group.Go(func() error {
			untrack := s.track(loop)
			defer untrack()
			stats, err := loop.Pass(gctx)
			mu.Lock()
			total.Merge(stats)
			mu.Unlock()
			return err
		})
	}
	runErr := group.Wait()

	run.FinishedAt = s.now()
	run.Chunks = total.Chunks
	run.Inserted = total.Inserted
	run.Failures = total.Failures
	run.Stats = map[string]any{
		"retries":   total.Retries,
		"completed": total.Completed,
		"paused":    total.Paused,
		"by_source": total.BySource,
	}
	if runErr != nil {
		run.Stats["error"] = runErr.Error()
	}
	s.saveRun(run)
	logger.Infof("[ingest] run %s finished: chunks=%d inserted=%d failures=%d", run.ID, run.Chunks, run.Inserted, run.Failures)
	return run, runErr
}

func (s *Service) saveRun(run store.RunRecord) {
	if s.runs == nil {
		return
	}
	if err := s.runs.SaveRun(context.Background(), run); err != nil {
		logger.Warnf("[ingest] save run %s: %v", run.ID, err)
	}
}

// ProgressView 是带完成百分比的进度记录。
type ProgressView struct {
	store.ProgressRecord
	Percent float64 `json:"percent"`
}

// Status 返回进度记录（granularity 为空表示全部）。
func (s *Service) Status(ctx context.Context, g market.Granularity) ([]ProgressView, error) {
	records, err := s.progress.List(ctx, g)
	if err != nil {
		return nil, err
	}
	out := make([]ProgressView, 0, len(records))
	for _, rec := range records {
		out = append(out, ProgressView{ProgressRecord: rec, Percent: rec.Percent()})
	}
	return out, nil
}

// LoopStates 返回当前活跃循环的状态。
func (s *Service) LoopStates() map[string]LoopState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]LoopState, len(s.loops))
	for name, l := range s.loops {
		out[name] = l.State()
	}
	return out
}

// Reset 清除暂停状态与错误计数，collected/cursor 不变。
func (s *Service) Reset(ctx context.Context, instrument string, g market.Granularity) (store.ProgressRecord, error) {
	return s.progress.Reset(ctx, instrument, g)
}

func (s *Service) Runs(ctx context.Context, limit int) ([]store.RunRecord, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListRuns(ctx, limit)
}

// Candles 返回 [start, end] 内每个时间点优先级最高来源的数据。
func (s *Service) Candles(ctx context.Context, instrument string, g market.Granularity, start, end int64) ([]market.Point, error) {
	return s.candles.Best(ctx, instrument, g, start, end, s.ranking)
}
