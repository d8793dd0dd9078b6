package cryptocompare

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
	sourceName   = "cryptocompare"
	maxLimit     = 2000
	defaultREST  = "https://min-api.cryptocompare.com"
	maxBodyBytes = 8 << 20
)

type Config struct {
	RESTBaseURL  string
	APIKey       string
	HTTPTimeout  time.Duration
	MaxChunk     int
	ProxyEnabled bool
	RESTProxyURL string
}

// Source 基于 CryptoCompare histo* 接口（按 toTs 向过去分页）。
type Source struct {
	baseURL  string
	apiKey   string
	maxChunk int
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
	maxChunk := cfg.MaxChunk
	if maxChunk <= 0 || maxChunk > maxLimit {
		maxChunk = maxLimit
	}
	return &Source{baseURL: base, apiKey: strings.TrimSpace(cfg.APIKey), maxChunk: maxChunk, client: client}, nil
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Supports(g market.Granularity) bool { return endpoint(g) != "" }

func (s *Source) MaxChunk(market.Granularity) int { return s.maxChunk }

func endpoint(g market.Granularity) string {
	switch g {
	case market.Minute:
		return "/data/v2/histominute"
	case market.Hour:
		return "/data/v2/histohour"
	case market.Day:
		return "/data/v2/histoday"
	default:
		return ""
	}
}

// FetchChunk 以 toTs=End、limit=单位数-1 请求（接口返回 limit+1 根）。
func (s *Source) FetchChunk(ctx context.Context, req ingest.ChunkRequest) ([]market.Candle, error) {
	fsym, tsym := symbolpkg.CryptoCompare.Pair(req.Instrument)
	if fsym == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("invalid instrument %q", req.Instrument))
	}
	path := endpoint(req.Granularity)
	if path == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("unsupported granularity %s", req.Granularity))
	}
	units := req.Granularity.ExpectedCandles(req.Start, req.End)
	if units <= 0 {
		return nil, nil
	}
	limit := units - 1
	if limit > int64(s.maxChunk) {
		limit = int64(s.maxChunk)
	}
	if limit < 1 {
		// limit=0 被接口视为默认值，至少请求 2 根再按窗口过滤
		limit = 1
	}
	q := url.Values{}
	q.Set("fsym", fsym)
	q.Set("tsym", tsym)
	q.Set("limit", strconv.FormatInt(limit, 10))
	q.Set("toTs", strconv.FormatInt(req.End/1000, 10))
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, ingest.Permanent(sourceName, err)
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
	if !gjson.ValidBytes(body) {
		return nil, ingest.Transient(sourceName, fmt.Errorf("invalid json payload"))
	}
	doc := gjson.ParseBytes(body)
	if strings.EqualFold(doc.Get("Response").String(), "Error") {
		return nil, classifyMessage(doc.Get("Message").String())
	}
	step := req.Granularity.Step()
	rows := doc.Get("Data.Data").Array()
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		openTime := row.Get("time").Int() * 1000
		o, h, l, c := row.Get("open").Float(), row.Get("high").Float(), row.Get("low").Float(), row.Get("close").Float()
		// 上市前的区间以全 0 填充
		if o == 0 && h == 0 && l == 0 && c == 0 {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: openTime + step - 1,
			Open:      o,
			High:      h,
			Low:       l,
			Close:     c,
			Volume:    row.Get("volumefrom").Float(),
		})
	}
	logger.Debugf("[cryptocompare] %s/%s %s toTs=%d rows=%d", fsym, tsym, req.Granularity, req.End/1000, len(out))
	return out, nil
}

func classifyMessage(msg string) error {
	err := fmt.Errorf("%s", msg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return ingest.Throttled(sourceName, err)
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "no data"),
		strings.Contains(lower, "invalid"), strings.Contains(lower, "not supported"):
		return ingest.Permanent(sourceName, err)
	default:
		return ingest.Transient(sourceName, err)
	}
}
