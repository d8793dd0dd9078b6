package coingecko

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/httpclient"
	symbolpkg "backfill/internal/pkg/symbol"
	"backfill/internal/pkg/text"

	"github.com/tidwall/gjson"
)

const (
	sourceName   = "coingecko"
	defaultREST  = "https://api.coingecko.com/api/v3"
	maxDaily     = 180
	maxHourly    = 744
	maxBodyBytes = 8 << 20
)

type Config struct {
	RESTBaseURL  string
	APIKey       string
	HTTPTimeout  time.Duration
	MaxChunk     int
	CoinIDs      map[string]string
	ProxyEnabled bool
	RESTProxyURL string
}

// Source 使用 /coins/{id}/ohlc/range（只支持日线与小时线，无成交量）。
type Source struct {
	baseURL  string
	apiKey   string
	maxChunk int
	ids      symbolpkg.CoinGeckoConverter
	client   *http.Client
}

func New(cfg Config) (*Source, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.RESTBaseURL), "/")
	if base == "" {
		base = defaultREST
	}
	proxy := ""
	if cfg.ProxyEnabled {
		proxy = cfg.RESTProxyURL
	}
	client, err := httpclient.New(cfg.HTTPTimeout, proxy)
	if err != nil {
		return nil, err
	}
	return &Source{
		baseURL:  base,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		maxChunk: cfg.MaxChunk,
		ids:      symbolpkg.NewCoinGeckoConverter(cfg.CoinIDs),
		client:   client,
	}, nil
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Supports(g market.Granularity) bool {
	return g == market.Day || g == market.Hour
}

func (s *Source) MaxChunk(g market.Granularity) int {
	limit := 0
	switch g {
	case market.Day:
		limit = maxDaily
	case market.Hour:
		limit = maxHourly
	}
	if s.maxChunk > 0 && s.maxChunk < limit {
		return s.maxChunk
	}
	return limit
}

func (s *Source) FetchChunk(ctx context.Context, req ingest.ChunkRequest) ([]market.Candle, error) {
	if !s.Supports(req.Granularity) {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("unsupported granularity %s", req.Granularity))
	}
	id, vs := s.ids.Pair(req.Instrument)
	if id == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("no coin id for %q", req.Instrument))
	}
	interval := "daily"
	if req.Granularity == market.Hour {
		interval = "hourly"
	}
	step := req.Granularity.Step()
	// ohlc 的时间戳是收盘时间：开盘在 [Start, End] 的 K 线收盘落在 [Start+step, End+step]
	q := url.Values{}
	q.Set("vs_currency", vs)
	q.Set("from", strconv.FormatInt((req.Start+step)/1000, 10))
	q.Set("to", strconv.FormatInt((req.End+step)/1000, 10))
	q.Set("interval", interval)
	endpoint := fmt.Sprintf("%s/coins/%s/ohlc/range?%s", s.baseURL, url.PathEscape(id), q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ingest.Permanent(sourceName, err)
	}
	if s.apiKey != "" {
		httpReq.Header.Set("x-cg-demo-api-key", s.apiKey)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, ingest.ClassifyTransport(sourceName, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ingest.Transient(sourceName, err)
	}
	if resp.StatusCode >= 300 {
		return nil, ingest.ClassifyStatus(sourceName, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, text.Truncate(string(body), 200)))
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		if msg := doc.Get("error").String(); msg != "" {
			return nil, ingest.Permanent(sourceName, fmt.Errorf("%s", msg))
		}
		return nil, ingest.Transient(sourceName, fmt.Errorf("unexpected payload: %s", text.Truncate(string(body), 200)))
	}
	rows := doc.Array()
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		cols := row.Array()
		if len(cols) < 5 {
			continue
		}
		openTime := req.Granularity.Align(cols[0].Int() - 1)
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: openTime + step - 1,
			Open:      cols[1].Float(),
			High:      cols[2].Float(),
			Low:       cols[3].Float(),
			Close:     cols[4].Float(),
		})
	}
	logger.Debugf("[coingecko] %s/%s %s rows=%d", id, vs, req.Granularity, len(out))
	return out, nil
}
