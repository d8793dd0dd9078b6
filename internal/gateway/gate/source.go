package gate

import (
	"context"
	"fmt"

	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/convert"
	"backfill/internal/pkg/httpclient"
	symbolpkg "backfill/internal/pkg/symbol"

	"github.com/antihax/optional"
	gateapi "github.com/gateio/gateapi-go/v7"
)

const (
	sourceName          = "gate"
	gateSettle          = "usdt"
	gateMaxHistoryLimit = 2000
	defaultGateREST     = "https://api.gateio.ws/api/v4"
)

// Source 基于 gateapi-go 的 USDT 永续合约 K 线数据源。
type Source struct {
	cfg  Config
	rest *gateapi.APIClient
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	restClient, err := newRESTClient(final)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: final, rest: restClient}, nil
}

func newRESTClient(cfg Config) (*gateapi.APIClient, error) {
	conf := gateapi.NewConfiguration()
	conf.BasePath = cfg.RESTBaseURL
	proxy := ""
	if cfg.ProxyEnabled {
		proxy = cfg.RESTProxyURL
	}
	httpClient, err := httpclient.New(cfg.HTTPTimeout, proxy)
	if err != nil {
		return nil, fmt.Errorf("gate rest client: %w", err)
	}
	conf.HTTPClient = httpClient
	return gateapi.NewAPIClient(conf), nil
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Supports(g market.Granularity) bool { return g.Valid() }

func (s *Source) MaxChunk(market.Granularity) int { return s.cfg.MaxChunk }

// FetchChunk 以 from/to（秒）查询区间；Gate 不允许同时指定 limit。
func (s *Source) FetchChunk(ctx context.Context, req ingest.ChunkRequest) ([]market.Candle, error) {
	normalized := symbolpkg.Normalize(req.Instrument)
	if normalized == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("invalid instrument %q", req.Instrument))
	}
	contract := symbolpkg.Gate.ToExchange(normalized)
	opts := &gateapi.ListFuturesCandlesticksOpts{
		From:     optional.NewInt64(req.Start / 1000),
		To:       optional.NewInt64(req.End / 1000),
		Interval: optional.NewString(req.Granularity.Interval()),
	}
	kls, resp, err := s.rest.FuturesApi.ListFuturesCandlesticks(ctx, gateSettle, contract, opts)
	if err != nil {
		logger.Debugf("[gate] candlesticks %s %s [%d,%d] failed: %v", contract, req.Granularity, req.Start, req.End, err)
		if resp != nil {
			return nil, ingest.ClassifyStatus(sourceName, resp.StatusCode, err)
		}
		return nil, ingest.ClassifyTransport(sourceName, err)
	}
	step := req.Granularity.Step()
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		openTime := int64(kl.T * 1000)
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: openTime + step - 1,
			Open:      convert.ToFloat64(kl.O),
			High:      convert.ToFloat64(kl.H),
			Low:       convert.ToFloat64(kl.L),
			Close:     convert.ToFloat64(kl.C),
			Volume:    convert.ToFloat64(kl.Sum),
		})
	}
	return out, nil
}
