package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	MaxChunk    int

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.MaxChunk <= 0 || out.MaxChunk > maxHistoryLimit {
		out.MaxChunk = maxHistoryLimit
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
