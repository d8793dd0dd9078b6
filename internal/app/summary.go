package app

import (
	"fmt"
	"io"
	"strings"

	"backfill/internal/config"
	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/ratelimit"
)

type StartupSummary struct {
	Instruments   []string
	Store         string
	RateBackend   string
	Granularities []GranularitySummary
	Sources       []SourceSummary
	Notify        string
	Archive       string
}

type GranularitySummary struct {
	Name      string
	Target    int64
	ChunkSize int
	Policy    string
	Direction string
	Loops     int
	Sources   []string
}

type SourceSummary struct {
	Name     string
	Priority int
	Budget   string
	MaxChunk int
	Breaker  string
}

func buildSummary(cfg *config.Config, chain *ingest.Chain, limiter ratelimit.Limiter) *StartupSummary {
	s := &StartupSummary{
		Instruments: cfg.Ingest.Instruments,
		Store:       cfg.Store.Driver,
		RateBackend: cfg.RateLimit.Backend,
		Notify:      "log",
		Archive:     "-",
	}
	if cfg.Notify.NATS.Enabled {
		s.Notify = fmt.Sprintf("nats %s (%s.*)", cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject)
	}
	if cfg.Archive.Enabled {
		s.Archive = fmt.Sprintf("%s/%s/%s", cfg.Archive.Endpoint, cfg.Archive.Bucket, cfg.Archive.Prefix)
	}
	for _, g := range cfg.EnabledGranularities() {
		gc, _ := cfg.Granularity(g)
		s.Granularities = append(s.Granularities, GranularitySummary{
			Name:      string(g),
			Target:    gc.ResolveTarget(g),
			ChunkSize: gc.ChunkSize,
			Policy:    gc.Policy,
			Direction: gc.Direction,
			Loops:     gc.Loops,
			Sources:   chain.Order(g),
		})
	}
	breakers := chain.BreakerStates()
	for _, src := range cfg.EnabledSources() {
		breaker := breakers[src.Name]
		if breaker == "" {
			breaker = "off"
		}
		s.Sources = append(s.Sources, SourceSummary{
			Name:     src.Name,
			Priority: src.Priority,
			Budget:   fmt.Sprintf("%d/min x%.2f -> %s", src.MaxCallsPerMinute, src.SafetyFraction, limiter.Interval(src.Name)),
			MaxChunk: src.MaxChunk,
			Breaker:  breaker,
		})
	}
	return s
}

// Print 通过日志逐行输出，便于同时落到日志文件。
func (s *StartupSummary) Print() {
	var sb strings.Builder
	s.Write(&sb)
	logger.InfoBlock(sb.String())
}

func (s *StartupSummary) Write(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[采集范围 (SCOPE)]")
	fmt.Fprintf(w, "  品种: %s\n", formatList(s.Instruments))
	fmt.Fprintf(w, "  存储: %s\n", s.Store)
	fmt.Fprintf(w, "  限速: %s\n", s.RateBackend)
	fmt.Fprintf(w, "  通知: %s\n", s.Notify)
	fmt.Fprintf(w, "  归档: %s\n", s.Archive)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[粒度 (GRANULARITIES)]")
	if len(s.Granularities) == 0 {
		fmt.Fprintln(w, "  (无)")
	}
	for _, g := range s.Granularities {
		fmt.Fprintf(w, "  > %s target=%d chunk=%d policy=%s direction=%s loops=%d\n",
			g.Name, g.Target, g.ChunkSize, g.Policy, g.Direction, g.Loops)
		fmt.Fprintf(w, "    来源顺序: %s\n", formatList(g.Sources))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[数据源 (SOURCES)]")
	for _, src := range s.Sources {
		fmt.Fprintf(w, "  - %-14s priority=%-3d %s max_chunk=%d breaker=%s\n",
			src.Name, src.Priority, src.Budget, src.MaxChunk, src.Breaker)
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
