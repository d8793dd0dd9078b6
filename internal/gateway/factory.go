package gateway

import (
	"fmt"

	"backfill/internal/config"
	"backfill/internal/gateway/binance"
	"backfill/internal/gateway/coingecko"
	"backfill/internal/gateway/cryptocompare"
	"backfill/internal/gateway/gate"
	"backfill/internal/gateway/polygon"
	"backfill/internal/ingest"
	"backfill/internal/logger"
)

// NewSourcesFromConfig 为每个启用的数据源构建 SourceClient。
func NewSourcesFromConfig(cfg *config.Config) ([]ingest.SourceClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	var out []ingest.SourceClient
	for _, src := range cfg.EnabledSources() {
		client, err := NewSource(src)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		logger.Infof("[gateway] source %s enabled (priority=%d max_chunk=%d %d/min x%.2f)",
			src.Name, src.Priority, src.MaxChunk, src.MaxCallsPerMinute, src.SafetyFraction)
		out = append(out, client)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled sources")
	}
	return out, nil
}

func NewSource(src config.SourceConfig) (ingest.SourceClient, error) {
	switch src.Name {
	case "binance":
		return binance.New(binance.Config{
			RESTBaseURL:  src.RESTBaseURL,
			HTTPTimeout:  src.Timeout(),
			MaxChunk:     src.MaxChunk,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	case "gate":
		return gate.New(gate.Config{
			RESTBaseURL:  src.RESTBaseURL,
			HTTPTimeout:  src.Timeout(),
			MaxChunk:     src.MaxChunk,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	case "polygon":
		return polygon.New(polygon.Config{
			APIKey:      src.APIKey,
			HTTPTimeout: src.Timeout(),
			MaxChunk:    src.MaxChunk,
		})
	case "cryptocompare":
		return cryptocompare.New(cryptocompare.Config{
			RESTBaseURL:  src.RESTBaseURL,
			APIKey:       src.APIKey,
			HTTPTimeout:  src.Timeout(),
			MaxChunk:     src.MaxChunk,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	case "coingecko":
		return coingecko.New(coingecko.Config{
			RESTBaseURL:  src.RESTBaseURL,
			APIKey:       src.APIKey,
			HTTPTimeout:  src.Timeout(),
			MaxChunk:     src.MaxChunk,
			CoinIDs:      src.CoinIDs,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	default:
		return nil, fmt.Errorf("unsupported market source: %s", src.Name)
	}
}
