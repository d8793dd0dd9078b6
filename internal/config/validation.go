package config

import (
	"fmt"
	"strings"

	"backfill/internal/market"
	symbolpkg "backfill/internal/pkg/symbol"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	if err := c.validateGranularities(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", s.Driver)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be > 0")
	}
	return nil
}

func (i *IngestConfig) validate() error {
	normalized := symbolpkg.NormalizeList(i.Instruments)
	if len(normalized) == 0 {
		return fmt.Errorf("ingest.instruments requires at least one BASE/QUOTE symbol")
	}
	if len(normalized) != len(i.Instruments) {
		for _, raw := range i.Instruments {
			if !symbolpkg.IsValid(raw) {
				return fmt.Errorf("ingest.instruments contains invalid symbol: %q", raw)
			}
		}
	}
	i.Instruments = normalized
	if i.PauseThreshold <= 0 {
		return fmt.Errorf("ingest.pause_threshold must be > 0")
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must be >= 0")
	}
	if i.BackoffBaseSeconds <= 0 || i.BackoffMaxSeconds < i.BackoffBaseSeconds {
		return fmt.Errorf("ingest.backoff_base_seconds must be > 0 and <= backoff_max_seconds")
	}
	return nil
}

func (c *Config) validateGranularities() error {
	enabled := 0
	for name, gc := range c.Granularities {
		g, err := market.ParseGranularity(name)
		if err != nil || string(g) != name {
			return fmt.Errorf("granularities.%s: unknown granularity (use minute/hour/day)", name)
		}
		if !gc.Enabled {
			continue
		}
		enabled++
		if gc.ResolveTarget(g) <= 0 {
			return fmt.Errorf("granularities.%s requires horizon_days or target > 0", name)
		}
		if gc.ChunkSize <= 0 {
			return fmt.Errorf("granularities.%s.chunk_size must be > 0", name)
		}
		if gc.Loops <= 0 {
			return fmt.Errorf("granularities.%s.loops must be > 0", name)
		}
		switch gc.Policy {
		case PolicyOnce, PolicyForever:
		default:
			return fmt.Errorf("granularities.%s.policy must be once or forever", name)
		}
		switch gc.Direction {
		case DirectionBackward, DirectionForward:
		default:
			return fmt.Errorf("granularities.%s.direction must be backward or forward", name)
		}
		// 向过去回填只有一个游标，跑完后无法再“追新”，持续模式只能向前。
		if gc.Policy == PolicyForever && gc.Direction != DirectionForward {
			return fmt.Errorf("granularities.%s: policy forever requires direction forward", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("granularities requires at least one enabled granularity")
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources contains entry without name")
		}
		if seen[src.Name] {
			return fmt.Errorf("sources.%s is declared twice", src.Name)
		}
		seen[src.Name] = true
		if _, ok := sourcePresets[src.Name]; !ok {
			return fmt.Errorf("sources.%s: unsupported source", src.Name)
		}
		if !src.Enabled {
			continue
		}
		if src.MaxCallsPerMinute <= 0 {
			return fmt.Errorf("sources.%s.max_calls_per_minute must be > 0", src.Name)
		}
		if src.SafetyFraction <= 0 || src.SafetyFraction > 1 {
			return fmt.Errorf("sources.%s.safety_fraction must be in (0,1]", src.Name)
		}
	}
	if len(c.EnabledSources()) == 0 {
		return fmt.Errorf("sources requires at least one enabled source")
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	switch r.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(r.RedisAddr) == "" {
			return fmt.Errorf("ratelimit.redis_addr is required for redis backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis")
	}
	return nil
}

func (a *ArchiveConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if strings.TrimSpace(a.Endpoint) == "" || strings.TrimSpace(a.Bucket) == "" {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
	}
	return nil
}
