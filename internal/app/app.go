package app

import (
	"context"
	"fmt"

	"backfill/internal/config"
	"backfill/internal/ingest"
	"backfill/internal/logger"
	backfillhttp "backfill/internal/transport/http/backfill"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化存储/数据源/限速→启动采集循环与 HTTP。
type App struct {
	cfg     *config.Config
	svc     *ingest.Service
	http    *backfillhttp.Server
	closers []func()
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动所有采集循环与 HTTP 服务，直到 ctx 取消或 once 循环全部结束。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.svc == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.svc.SetContext(ctx)

	group, gctx := errgroup.WithContext(ctx)
	httpCtx, stopHTTP := context.WithCancel(gctx)
	defer stopHTTP()
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(httpCtx); err != nil {
				return fmt.Errorf("backfill http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		err := a.svc.Run(gctx)
		if a.http == nil {
			return err
		}
		// 仅 once 粒度时循环会自然结束，HTTP 保持运行直到收到退出信号
		if err != nil {
			stopHTTP()
		}
		return err
	})
	return group.Wait()
}

// Service 暴露采集服务（CLI 的 once/status/reset 直接调用）。
func (a *App) Service() *ingest.Service {
	if a == nil {
		return nil
	}
	return a.svc
}

// Close 释放数据库、限速后端、预算监听与通知连接，按注册的逆序执行。
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
