package app

import (
	"context"
	"fmt"
	"strings"

	"backfill/internal/archive"
	"backfill/internal/config"
	cfgloader "backfill/internal/config/loader"
	"backfill/internal/gateway"
	"backfill/internal/gateway/notifier"
	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/ratelimit"
	"backfill/internal/store/gormstore"
	backfillhttp "backfill/internal/transport/http/backfill"

	"gorm.io/gorm"
)

type AppBuilder struct {
	cfg *config.Config

	openDBFn   func(config.StoreConfig) (*gorm.DB, error)
	sourcesFn  func(*config.Config) ([]ingest.SourceClient, error)
	limiterFn  func(config.RateLimitConfig, []config.SourceConfig) (ratelimit.Limiter, func(), error)
	notifierFn func(config.NotifyConfig) (notifier.Notifier, error)
	httpFn     func(config.AppConfig, backfillhttp.Service) (*backfillhttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换数据源构造（测试或离线回放）。
func WithSources(fn func(*config.Config) ([]ingest.SourceClient, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		openDBFn:   gormstore.Open,
		sourcesFn:  gateway.NewSourcesFromConfig,
		limiterFn:  ratelimit.New,
		notifierFn: buildNotifier,
		httpFn:     buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	app := &App{cfg: cfg}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	db, err := b.openDBFn(cfg.Store)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	app.closers = append(app.closers, func() { _ = gormstore.Close(db) })
	progress := gormstore.NewProgressStore(db, gormstore.ProgressOptions{
		PauseThreshold: cfg.Ingest.PauseThreshold,
		ClaimLease:     cfg.Ingest.ClaimLease(),
	})
	candles := gormstore.NewCandleStore(db, cfg.Store.BatchSize)
	runs := gormstore.NewRunStore(db)

	sources, err := b.sourcesFn(cfg)
	if err != nil {
		return fail(fmt.Errorf("build sources: %w", err))
	}
	limiter, closeLimiter, err := b.limiterFn(cfg.RateLimit, cfg.EnabledSources())
	if err != nil {
		return fail(fmt.Errorf("build rate limiter: %w", err))
	}
	app.closers = append(app.closers, closeLimiter)
	if path := strings.TrimSpace(cfg.Ingest.BudgetsPath); path != "" {
		budgets, err := cfgloader.NewBudgetLoader(path, true)
		if err != nil {
			return fail(fmt.Errorf("load budgets: %w", err))
		}
		app.closers = append(app.closers, func() { _ = budgets.Close() })
		budgets.Subscribe(func(snap cfgloader.BudgetSnapshot) {
			ratelimit.ApplySnapshot(limiter, snap)
		})
	}

	ranking := market.NewRanking(cfg.Priorities())
	chain, err := ingest.NewChain(sources, ingest.ChainOptions{
		Ranking:          ranking,
		Limiter:          limiter,
		ThrottleFactor:   cfg.RateLimit.ThrottleFactor,
		ThrottleWindow:   cfg.RateLimit.ThrottleWindow(),
		BreakerThreshold: cfg.Ingest.BreakerThreshold,
		BreakerCooldown:  cfg.Ingest.BreakerCooldown(),
	})
	if err != nil {
		return fail(err)
	}
	logger.Infof("[app] fallback order: %s", chain)

	n, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return fail(fmt.Errorf("build notifier: %w", err))
	}
	app.closers = append(app.closers, func() { _ = n.Close() })

	params := ingest.ServiceParams{
		Config:   cfg,
		Progress: progress,
		Candles:  candles,
		Runs:     runs,
		Fetcher:  chain,
		Notifier: n,
	}
	exporter, err := archive.New(cfg.Archive, candles, ranking)
	if err != nil {
		return fail(fmt.Errorf("build archive: %w", err))
	}
	if exporter != nil {
		if err := exporter.EnsureBucket(ctx); err != nil {
			return fail(err)
		}
		params.Archiver = exporter
	}
	svc, err := ingest.NewService(params)
	if err != nil {
		return fail(err)
	}
	app.svc = svc

	if b.httpFn != nil {
		srv, err := b.httpFn(cfg.App, svc)
		if err != nil {
			return fail(fmt.Errorf("build http server: %w", err))
		}
		app.http = srv
	}
	app.Summary = buildSummary(cfg, chain, limiter)
	return app, nil
}

func buildNotifier(cfg config.NotifyConfig) (notifier.Notifier, error) {
	if !cfg.NATS.Enabled {
		return notifier.NewLog(), nil
	}
	return notifier.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
}

func buildHTTPServer(cfg config.AppConfig, svc backfillhttp.Service) (*backfillhttp.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, nil
	}
	return backfillhttp.NewServer(backfillhttp.ServerConfig{Addr: cfg.HTTPAddr, Service: svc})
}
