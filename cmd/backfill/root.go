package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"backfill/internal/app"
	"backfill/internal/config"
	"backfill/internal/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

type rootOptions struct {
	configPath string
	logFile    *os.File
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Resumable multi-source OHLCV backfill",
		Long: `Backfill years of OHLCV candles for a fixed instrument set from several
rate-limited providers, resuming from persisted progress after restarts.

Examples:
  # run every configured collection loop plus the HTTP control surface
  backfill serve

  # one pass over the daily granularity
  backfill once --granularity day

  # inspect and un-pause
  backfill status
  backfill reset --instrument BTC/USDT --granularity day
  backfill candles --instrument BTC/USDT --start 2024-01-01 --end 2024-01-31`,
		SilenceUsage: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logFile != nil {
				_ = opts.logFile.Close()
			}
		},
	}
	env := os.Getenv("BACKFILL_CONFIG")
	if env == "" {
		env = defaultConfigPath
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", env, "config file (env BACKFILL_CONFIG)")
	cmd.AddCommand(newServeCmd(opts), newOnceCmd(opts), newStatusCmd(opts), newResetCmd(opts), newCandlesCmd(opts))
	return cmd
}

// loadApp 读取配置、初始化日志输出并构建应用。
func (o *rootOptions) loadApp() (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	o.logFile = logFile
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，配置=%s）", cfg.App.Env, o.configPath)

	a, err := app.NewApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化应用失败: %w", err)
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
