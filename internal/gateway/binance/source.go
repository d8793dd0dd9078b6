package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/convert"
	"backfill/internal/pkg/httpclient"
	symbolpkg "backfill/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	sourceName      = "binance"
	maxHistoryLimit = 1500
)

// Source 基于 go-binance SDK 的 USDT 合约 K 线数据源。
type Source struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	proxy := ""
	if final.ProxyEnabled {
		proxy = final.RESTProxyURL
	}
	httpClient, err := httpclient.New(final.HTTPTimeout, proxy)
	if err != nil {
		return nil, err
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client}, nil
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Supports(g market.Granularity) bool { return g.Valid() }

func (s *Source) MaxChunk(market.Granularity) int { return s.cfg.MaxChunk }

func (s *Source) FetchChunk(ctx context.Context, req ingest.ChunkRequest) ([]market.Candle, error) {
	normalized := symbolpkg.Normalize(req.Instrument)
	if normalized == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("invalid instrument %q", req.Instrument))
	}
	// Binance requires symbols without slashes (e.g., ETHUSDT)
	cleanSymbol := symbolpkg.Binance.ToExchange(normalized)
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxChunk {
		limit = s.cfg.MaxChunk
	}
	kls, err := s.client.NewKlinesService().
		Symbol(cleanSymbol).
		Interval(req.Granularity.Interval()).
		StartTime(req.Start).
		EndTime(req.End).
		Limit(limit).
		Do(ctx)
	if err != nil {
		logger.Debugf("[binance] klines %s %s [%d,%d] failed: %v", cleanSymbol, req.Granularity, req.Start, req.End, err)
		return nil, classify(err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      convert.ToFloat64(kl.Open),
			High:      convert.ToFloat64(kl.High),
			Low:       convert.ToFloat64(kl.Low),
			Close:     convert.ToFloat64(kl.Close),
			Volume:    convert.ToFloat64(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

// classify 把 Binance API 错误码映射为拉取错误分类。
// -1003/-1015 为请求过多；-11xx 为参数错误（含 -1121 无效交易对）。
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return ingest.Throttled(sourceName, err)
		case apiErr.Code <= -1100 && apiErr.Code > -1200:
			return ingest.Permanent(sourceName, err)
		case strings.Contains(strings.ToLower(apiErr.Message), "too many requests"):
			return ingest.Throttled(sourceName, err)
		}
	}
	return ingest.ClassifyTransport(sourceName, err)
}
