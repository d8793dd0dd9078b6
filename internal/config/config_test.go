package config

import (
	"os"
	"path/filepath"
	"testing"

	"backfill/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Ingest.PauseThreshold)
	assert.Equal(t, []market.Granularity{market.Minute, market.Hour, market.Day}, cfg.EnabledGranularities())

	day, ok := cfg.Granularity(market.Day)
	require.True(t, ok)
	assert.Equal(t, int64(1825), day.ResolveTarget(market.Day))
	assert.Equal(t, PolicyOnce, day.Policy)

	// polygon 没有 api key 时自动禁用
	prio := cfg.Priorities()
	_, hasPolygon := prio["polygon"]
	assert.False(t, hasPolygon)
	assert.Greater(t, prio["cryptocompare"], prio["coingecko"])
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sources.yaml", `
sources:
  - name: cryptocompare
    max_calls_per_minute: 20
  - name: coingecko
    priority: 5
  - name: polygon
    api_key: ${BACKFILL_TEST_POLYGON_KEY}
`)
	main := writeFile(t, dir, "config.yaml", `
include:
  - sources.yaml
app:
  log_level: debug
store:
  path: `+filepath.Join(dir, "db.sqlite")+`
ingest:
  instruments: [btcusdt, "ETH/USDT", ethusdt]
  pause_threshold: 4
granularities:
  day:
    chunk_size: 45
  minute:
    enabled: false
`)
	t.Setenv("BACKFILL_TEST_POLYGON_KEY", "secret")

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Ingest.Instruments)
	assert.Equal(t, 4, cfg.Ingest.PauseThreshold)
	assert.Equal(t, []market.Granularity{market.Day}, cfg.EnabledGranularities())

	day, _ := cfg.Granularity(market.Day)
	assert.Equal(t, 45, day.ChunkSize)
	assert.Equal(t, DirectionBackward, day.Direction)

	require.Len(t, cfg.Sources, 3)
	assert.Equal(t, 20, cfg.Sources[0].MaxCallsPerMinute)
	assert.Equal(t, 0.75, cfg.Sources[0].SafetyFraction)
	assert.Equal(t, 5, cfg.Sources[1].Priority)
	assert.True(t, cfg.Sources[2].Enabled)
	assert.Equal(t, "secret", cfg.Sources[2].APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"schema enum": `
store:
  driver: mysql
`,
		"forever backward": `
granularities:
  day:
    policy: forever
    direction: backward
`,
		"bad instrument": `
ingest:
  instruments: ["???"]
`,
		"unknown source": `
sources:
  - name: kraken
`,
		"safety fraction": `
sources:
  - name: binance
    safety_fraction: 1.5
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("POLYGON_API_KEY", "")
	t.Setenv("CRYPTOCOMPARE_API_KEY", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, cfg.Ingest.Instruments)
	assert.Equal(t, "configs/budgets.yaml", cfg.Ingest.BudgetsPath)

	minute, ok := cfg.Granularity(market.Minute)
	require.True(t, ok)
	assert.Equal(t, PolicyForever, minute.Policy)
	assert.Equal(t, DirectionForward, minute.Direction)

	names := make([]string, 0, len(cfg.EnabledSources()))
	for _, src := range cfg.EnabledSources() {
		names = append(names, src.Name)
	}
	assert.Equal(t, []string{"binance", "gate", "cryptocompare", "coingecko"}, names)
	assert.Equal(t, "solana", cfg.Sources[4].CoinIDs["sol/usdt"])
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
app:
  http_addr: ":9992"
store:
  batch_size: 0
`)
	t.Setenv("BACKFILL_APP_HTTP_ADDR", ":7777")
	t.Setenv("BACKFILL_APP_LOG_LEVEL", "debug")
	t.Setenv("BACKFILL_STORE_PATH", filepath.Join(dir, "env.db"))

	_, err := Load(path)
	// batch_size 显式写 0 不会被默认值覆盖
	require.Error(t, err)

	path = writeFile(t, dir, "config.yaml", "app:\n  http_addr: \":9992\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.App.HTTPAddr)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, filepath.Join(dir, "env.db"), cfg.Store.Path)
	assert.Equal(t, 100, cfg.Store.BatchSize)
}
