package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量覆盖前缀，例如 BACKFILL_STORE_DSN 覆盖 store.dsn。
const EnvPrefix = "BACKFILL"

// envKeys 是允许通过环境变量覆盖的标量配置（多为部署相关或敏感字段）。
var envKeys = []string{
	"app.env",
	"app.log_level",
	"app.log_format",
	"app.log_path",
	"app.http_addr",
	"store.driver",
	"store.path",
	"store.dsn",
	"ratelimit.backend",
	"ratelimit.redis_addr",
	"ratelimit.redis_password",
	"notify.nats.url",
	"archive.endpoint",
	"archive.access_key",
	"archive.secret_key",
}

// Load 读取 YAML 配置（include 先合并、主文件最后覆盖），叠加环境变量，
// 做结构校验后填充默认值。
func Load(path string) (*Config, error) {
	files, err := includeOrder(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		part := viper.New()
		part.SetConfigFile(file)
		if err := part.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := v.MergeConfigMap(part.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}
	bindEnv(v)

	settings := v.AllSettings()
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(explicitKeys(settings))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// includeOrder 深度优先展开 include，返回合并顺序：被包含文件在前，包含者在后。
// 同一文件只合并一次；环形引用报错。
func includeOrder(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{done: make(map[string]bool), active: make(map[string]bool)}
	if err := w.visit(abs); err != nil {
		return nil, err
	}
	return w.order, nil
}

type includeWalker struct {
	done   map[string]bool
	active map[string]bool
	order  []string
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case w.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case w.done[path]:
		return nil
	}
	w.active[path] = true
	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.visit(inc); err != nil {
			return err
		}
	}
	delete(w.active, path)
	w.done[path] = true
	w.order = append(w.order, path)
	return nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var out []string
	switch raw := v.Get("include").(type) {
	case nil:
		return nil, nil
	case []any:
		for _, item := range raw {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include only supports strings")
			}
			out = appendNonEmpty(out, str)
		}
	case []string:
		for _, item := range raw {
			out = appendNonEmpty(out, item)
		}
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
	return out, nil
}

func appendNonEmpty(dst []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		dst = append(dst, s)
	}
	return dst
}

// explicitKeys 收集配置文件与环境变量中显式出现的字段路径，
// 默认值只填充未出现的字段（显式写 0/false 也算设置）。
// sources 列表按 sources.<idx>.<field> 记录。
func explicitKeys(settings map[string]any) keySet {
	keys := make(keySet)
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		switch val := node.(type) {
		case map[string]any:
			for k, child := range val {
				walk(joinKey(prefix, k), child)
			}
		case map[any]any:
			for k, child := range val {
				if ks, ok := k.(string); ok {
					walk(joinKey(prefix, ks), child)
				}
			}
		case []any:
			keys.mark(prefix)
			if prefix != "sources" {
				return
			}
			for idx, item := range val {
				walk(fmt.Sprintf("%s.%d", prefix, idx), item)
			}
		default:
			keys.mark(prefix)
		}
	}
	walk("", settings)
	return keys
}

func joinKey(prefix, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Default 返回仅由默认值构成的配置（不读文件）。
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(make(keySet))
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
