package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppHTTPAddr        = ":9992"
	defaultStoreDriver        = "sqlite"
	defaultStorePath          = "data/backfill.db"
	defaultStoreBatchSize     = 100
	defaultStoreMaxOpenConns  = 4
	defaultPauseThreshold     = 3
	defaultMaxRetries         = 5
	defaultBackoffBaseSeconds = 5
	defaultBackoffMaxSeconds  = 80
	defaultClaimLeaseSeconds  = 600
	defaultIdleSeconds        = 60
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 120
	defaultSourceTimeout      = 15
	defaultSafetyFraction     = 0.75
	defaultRateLimitBackend   = "memory"
	defaultRateLimitPrefix    = "backfill:ratelimit:"
	defaultThrottleFactor     = 2
	defaultThrottleSeconds    = 300
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "backfill.progress"
	defaultArchivePrefix      = "candles"
)

var defaultInstruments = []string{"BTC/USDT", "ETH/USDT"}

// defaultGranularities 日线/小时线一次性向过去回填，分钟线持续向前追新。
var defaultGranularities = map[string]GranularityConfig{
	"day":    {Enabled: true, HorizonDays: 1825, ChunkSize: 30, Policy: PolicyOnce, Direction: DirectionBackward, Loops: 1},
	"hour":   {Enabled: true, HorizonDays: 365, ChunkSize: 500, Policy: PolicyOnce, Direction: DirectionBackward, Loops: 1},
	"minute": {Enabled: true, HorizonDays: 30, ChunkSize: 1000, Policy: PolicyForever, Direction: DirectionForward, Loops: 1},
}

// sourcePreset 是各数据源公开配额与分页上限的默认值。
type sourcePreset struct {
	priority     int
	baseURL      string
	callsPerMin  int
	maxChunk     int
	needsAPIKey  bool
	enabledByDef bool
}

var sourcePresets = map[string]sourcePreset{
	"binance":       {priority: 50, baseURL: "https://fapi.binance.com", callsPerMin: 240, maxChunk: 1500, enabledByDef: true},
	"gate":          {priority: 40, baseURL: "https://api.gateio.ws/api/v4", callsPerMin: 300, maxChunk: 2000, enabledByDef: true},
	"polygon":       {priority: 35, baseURL: "https://api.polygon.io", callsPerMin: 5, maxChunk: 50000, needsAPIKey: true},
	"cryptocompare": {priority: 30, baseURL: "https://min-api.cryptocompare.com", callsPerMin: 30, maxChunk: 2000, enabledByDef: true},
	"coingecko":     {priority: 20, baseURL: "https://api.coingecko.com/api/v3", callsPerMin: 30, maxChunk: 180, enabledByDef: true},
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Ingest.applyDefaults(keys)
	c.applyGranularityDefaults(keys)
	c.applySourceDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Archive.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		intFieldDefault("store.batch_size", &s.BatchSize, defaultStoreBatchSize),
		intFieldDefault("store.max_open_conns", &s.MaxOpenConns, defaultStoreMaxOpenConns),
	)
	if s.Driver == "sqlite" {
		applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, defaultStorePath))
	}
}

func (i *IngestConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("ingest.pause_threshold", &i.PauseThreshold, defaultPauseThreshold),
		intFieldDefault("ingest.max_retries", &i.MaxRetries, defaultMaxRetries),
		intFieldDefault("ingest.backoff_base_seconds", &i.BackoffBaseSeconds, defaultBackoffBaseSeconds),
		intFieldDefault("ingest.backoff_max_seconds", &i.BackoffMaxSeconds, defaultBackoffMaxSeconds),
		intFieldDefault("ingest.claim_lease_seconds", &i.ClaimLeaseSeconds, defaultClaimLeaseSeconds),
		intFieldDefault("ingest.idle_seconds", &i.IdleSeconds, defaultIdleSeconds),
		intFieldDefault("ingest.breaker_threshold", &i.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("ingest.breaker_cooldown_seconds", &i.BreakerCooldownSeconds, defaultBreakerCooldown),
		fieldDefault{
			key:   "ingest.instruments",
			need:  func() bool { return len(i.Instruments) == 0 },
			apply: func() { i.Instruments = append([]string(nil), defaultInstruments...) },
		},
	)
	i.BudgetsPath = strings.TrimSpace(i.BudgetsPath)
}

func (c *Config) applyGranularityDefaults(keys keySet) {
	if len(c.Granularities) == 0 {
		c.Granularities = make(map[string]GranularityConfig, len(defaultGranularities))
		for name, gc := range defaultGranularities {
			c.Granularities[name] = gc
		}
		return
	}
	normalized := make(map[string]GranularityConfig, len(c.Granularities))
	for name, gc := range c.Granularities {
		name = strings.ToLower(strings.TrimSpace(name))
		def, known := defaultGranularities[name]
		if !known {
			normalized[name] = gc
			continue
		}
		prefix := "granularities." + name + "."
		gc.Policy = strings.ToLower(strings.TrimSpace(gc.Policy))
		gc.Direction = strings.ToLower(strings.TrimSpace(gc.Direction))
		applyFieldDefaults(keys,
			boolFieldDefault(prefix+"enabled", &gc.Enabled, true),
			intFieldDefault(prefix+"horizon_days", &gc.HorizonDays, def.HorizonDays),
			intFieldDefault(prefix+"chunk_size", &gc.ChunkSize, def.ChunkSize),
			stringFieldDefault(prefix+"policy", &gc.Policy, def.Policy),
			stringFieldDefault(prefix+"direction", &gc.Direction, def.Direction),
			intFieldDefault(prefix+"loops", &gc.Loops, def.Loops),
		)
		normalized[name] = gc
	}
	c.Granularities = normalized
}

func (c *Config) applySourceDefaults(keys keySet) {
	generated := len(c.Sources) == 0
	if generated {
		for _, name := range []string{"binance", "gate", "polygon", "cryptocompare", "coingecko"} {
			preset := sourcePresets[name]
			c.Sources = append(c.Sources, SourceConfig{Name: name, Enabled: preset.enabledByDef})
		}
	}
	for idx := range c.Sources {
		src := &c.Sources[idx]
		src.normalize()
		// 列出即启用，除非显式写了 enabled
		if !generated && !keys.isSet(fmt.Sprintf("sources.%d.enabled", idx)) {
			src.Enabled = true
		}
		preset, ok := sourcePresets[src.Name]
		if !ok {
			continue
		}
		if src.Priority == 0 {
			src.Priority = preset.priority
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = preset.baseURL
		}
		if src.MaxCallsPerMinute <= 0 {
			src.MaxCallsPerMinute = preset.callsPerMin
		}
		if src.MaxChunk <= 0 || src.MaxChunk > preset.maxChunk {
			src.MaxChunk = preset.maxChunk
		}
		if preset.needsAPIKey && src.APIKey == "" {
			src.Enabled = false
		}
	}
	for idx := range c.Sources {
		src := &c.Sources[idx]
		if src.TimeoutSeconds <= 0 {
			src.TimeoutSeconds = defaultSourceTimeout
		}
		if src.SafetyFraction <= 0 {
			src.SafetyFraction = defaultSafetyFraction
		}
	}
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	r.Backend = strings.ToLower(strings.TrimSpace(r.Backend))
	applyFieldDefaults(keys,
		stringFieldDefault("ratelimit.backend", &r.Backend, defaultRateLimitBackend),
		stringFieldDefault("ratelimit.key_prefix", &r.KeyPrefix, defaultRateLimitPrefix),
		intFieldDefault("ratelimit.throttle_seconds", &r.ThrottleSeconds, defaultThrottleSeconds),
		fieldDefault{
			key:   "ratelimit.throttle_factor",
			need:  func() bool { return r.ThrottleFactor < 1 },
			apply: func() { r.ThrottleFactor = defaultThrottleFactor },
		},
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil || !n.NATS.Enabled {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.nats.url", &n.NATS.URL, defaultNATSURL),
		stringFieldDefault("notify.nats.subject", &n.NATS.Subject, defaultNATSSubject),
	)
}

func (a *ArchiveConfig) applyDefaults(keys keySet) {
	if a == nil || !a.Enabled {
		return
	}
	applyFieldDefaults(keys, stringFieldDefault("archive.prefix", &a.Prefix, defaultArchivePrefix))
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
