package config

import (
	"os"
	"strings"
	"time"

	"backfill/internal/market"
)

// Config 是回填服务的主配置载体。
type Config struct {
	App           AppConfig                    `toml:"app"`
	Store         StoreConfig                  `toml:"store"`
	Ingest        IngestConfig                 `toml:"ingest"`
	Granularities map[string]GranularityConfig `toml:"granularities"`
	Sources       []SourceConfig               `toml:"sources"`
	RateLimit     RateLimitConfig              `toml:"ratelimit"`
	Notify        NotifyConfig                 `toml:"notify"`
	Archive       ArchiveConfig                `toml:"archive"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// StoreConfig 描述进度表与 K 线表所在的数据库。
type StoreConfig struct {
	Driver       string `toml:"driver"` // "sqlite" | "postgres"
	Path         string `toml:"path"`   // sqlite 文件路径
	DSN          string `toml:"dsn"`    // postgres 连接串
	BatchSize    int    `toml:"batch_size"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// IngestConfig 控制采集循环的公共参数。
type IngestConfig struct {
	Instruments        []string `toml:"instruments"`
	PauseThreshold     int      `toml:"pause_threshold"`
	MaxRetries         int      `toml:"max_retries"`
	BackoffBaseSeconds int      `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int      `toml:"backoff_max_seconds"`
	ClaimLeaseSeconds  int      `toml:"claim_lease_seconds"`
	IdleSeconds        int      `toml:"idle_seconds"`
	BudgetsPath        string   `toml:"budgets_path"`
	// 连续瞬时失败达到阈值后熔断该数据源，冷却后半开探测；显式设为 0 关闭。
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

func (i IngestConfig) BackoffBase() time.Duration {
	return time.Duration(i.BackoffBaseSeconds) * time.Second
}

func (i IngestConfig) BackoffMax() time.Duration {
	return time.Duration(i.BackoffMaxSeconds) * time.Second
}

func (i IngestConfig) ClaimLease() time.Duration {
	return time.Duration(i.ClaimLeaseSeconds) * time.Second
}

func (i IngestConfig) Idle() time.Duration {
	return time.Duration(i.IdleSeconds) * time.Second
}

func (i IngestConfig) BreakerCooldown() time.Duration {
	return time.Duration(i.BreakerCooldownSeconds) * time.Second
}

const (
	PolicyOnce    = "once"
	PolicyForever = "forever"

	DirectionBackward = "backward"
	DirectionForward  = "forward"
)

// GranularityConfig 描述单个粒度的历史深度与运行策略。
type GranularityConfig struct {
	Enabled     bool   `toml:"enabled"`
	HorizonDays int    `toml:"horizon_days"`
	Target      int64  `toml:"target"` // 若 >0 直接作为目标数量，忽略 horizon_days
	ChunkSize   int    `toml:"chunk_size"`
	Policy      string `toml:"policy"`    // once | forever
	Direction   string `toml:"direction"` // backward | forward
	Loops       int    `toml:"loops"`
}

// ResolveTarget 返回该粒度的目标时间单位数量。
func (g GranularityConfig) ResolveTarget(gr market.Granularity) int64 {
	if g.Target > 0 {
		return g.Target
	}
	return gr.HorizonUnits(time.Duration(g.HorizonDays) * 24 * time.Hour)
}

// EnabledGranularities 按 minute/hour/day 顺序返回启用的粒度配置。
func (c *Config) EnabledGranularities() []market.Granularity {
	var out []market.Granularity
	for _, g := range market.Granularities() {
		if gc, ok := c.Granularities[string(g)]; ok && gc.Enabled {
			out = append(out, g)
		}
	}
	return out
}

// Granularity 返回指定粒度配置。
func (c *Config) Granularity(g market.Granularity) (GranularityConfig, bool) {
	gc, ok := c.Granularities[string(g)]
	return gc, ok
}

// SourceConfig 描述一个外部数据源及其速率预算。
type SourceConfig struct {
	Name              string            `toml:"name"`
	Enabled           bool              `toml:"enabled"`
	Priority          int               `toml:"priority"`
	APIKey            string            `toml:"api_key"`
	RESTBaseURL       string            `toml:"rest_base_url"`
	TimeoutSeconds    int               `toml:"timeout_seconds"`
	MaxCallsPerMinute int               `toml:"max_calls_per_minute"`
	SafetyFraction    float64           `toml:"safety_fraction"`
	MaxChunk          int               `toml:"max_chunk"`
	CoinIDs           map[string]string `toml:"coin_ids"`
	Proxy             ProxyConfig       `toml:"proxy"`
}

func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *SourceConfig) normalize() {
	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	s.APIKey = strings.TrimSpace(os.ExpandEnv(s.APIKey))
	s.RESTBaseURL = strings.TrimSpace(s.RESTBaseURL)
	s.Proxy.normalize()
}

// EnabledSources 返回启用的数据源配置。
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// Priorities 返回启用数据源的优先级表。
func (c *Config) Priorities() map[string]int {
	out := make(map[string]int, len(c.Sources))
	for _, src := range c.EnabledSources() {
		out[src.Name] = src.Priority
	}
	return out
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

// RateLimitConfig 选择限速后端及限流惩罚参数。
type RateLimitConfig struct {
	Backend         string  `toml:"backend"` // memory | redis
	RedisAddr       string  `toml:"redis_addr"`
	RedisPassword   string  `toml:"redis_password"`
	RedisDB         int     `toml:"redis_db"`
	KeyPrefix       string  `toml:"key_prefix"`
	ThrottleFactor  float64 `toml:"throttle_factor"`
	ThrottleSeconds int     `toml:"throttle_seconds"`
}

func (r RateLimitConfig) ThrottleWindow() time.Duration {
	return time.Duration(r.ThrottleSeconds) * time.Second
}

type NotifyConfig struct {
	NATS NATSConfig `toml:"nats"`
}

type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// ArchiveConfig 控制完成后导出到对象存储。
type ArchiveConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
