package polygon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backfill/internal/ingest"
	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/httpclient"
	symbolpkg "backfill/internal/pkg/symbol"

	polygonrest "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
)

const (
	sourceName       = "polygon"
	maxAggsPerCall   = 50000
	defaultTimeoutIn = 15 * time.Second
)

type Config struct {
	APIKey      string
	HTTPTimeout time.Duration
	MaxChunk    int
}

// Source 通过 polygon aggregates 接口拉取加密货币 K 线（X:BTCUSD）。
type Source struct {
	maxChunk int
	client   *polygonrest.Client
}

func New(cfg Config) (*Source, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("polygon requires api_key")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultTimeoutIn
	}
	hc, err := httpclient.New(timeout, "")
	if err != nil {
		return nil, err
	}
	maxChunk := cfg.MaxChunk
	if maxChunk <= 0 || maxChunk > maxAggsPerCall {
		maxChunk = maxAggsPerCall
	}
	return &Source{maxChunk: maxChunk, client: polygonrest.NewWithClient(key, hc)}, nil
}

func (s *Source) Name() string { return sourceName }

func (s *Source) Supports(g market.Granularity) bool { return timespan(g) != "" }

func (s *Source) MaxChunk(market.Granularity) int { return s.maxChunk }

func (s *Source) FetchChunk(ctx context.Context, req ingest.ChunkRequest) ([]market.Candle, error) {
	ticker := symbolpkg.Polygon.ToExchange(req.Instrument)
	if ticker == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("invalid instrument %q", req.Instrument))
	}
	span := timespan(req.Granularity)
	if span == "" {
		return nil, ingest.Permanent(sourceName, fmt.Errorf("unsupported granularity %s", req.Granularity))
	}
	params := models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: 1,
		Timespan:   span,
		From:       models.Millis(time.UnixMilli(req.Start)),
		To:         models.Millis(time.UnixMilli(req.End)),
	}.WithOrder(models.Asc).WithLimit(s.maxChunk).WithAdjusted(true)

	step := req.Granularity.Step()
	var out []market.Candle
	iter := s.client.ListAggs(ctx, params)
	for iter.Next() {
		agg := iter.Item()
		openTime := time.Time(agg.Timestamp).UnixMilli()
		if openTime > req.End {
			break
		}
		out = append(out, market.Candle{
			OpenTime:  openTime,
			CloseTime: openTime + step - 1,
			Open:      agg.Open,
			High:      agg.High,
			Low:       agg.Low,
			Close:     agg.Close,
			Volume:    agg.Volume,
			Trades:    agg.Transactions,
		})
	}
	if err := iter.Err(); err != nil {
		logger.Debugf("[polygon] aggs %s %s [%d,%d] failed: %v", ticker, req.Granularity, req.Start, req.End, err)
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	var resp *models.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode > 0 {
		return ingest.ClassifyStatus(sourceName, resp.StatusCode, err)
	}
	return ingest.ClassifyTransport(sourceName, err)
}

func timespan(g market.Granularity) models.Timespan {
	switch g {
	case market.Minute:
		return models.Minute
	case market.Hour:
		return models.Hour
	case market.Day:
		return models.Day
	default:
		return ""
	}
}
