package market

// Candle 是数据源返回的原始 K 线（毫秒时间戳）。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Point 是带来源标记的不可变 OHLCV 观测值。
// 主键为 (Instrument, Timestamp, Granularity, Source)。
type Point struct {
	Instrument  string      `json:"instrument"`
	Timestamp   int64       `json:"timestamp"`
	Granularity Granularity `json:"granularity"`
	Source      string      `json:"source"`
	Open        float64     `json:"open"`
	High        float64     `json:"high"`
	Low         float64     `json:"low"`
	Close       float64     `json:"close"`
	Volume      float64     `json:"volume"`
}

// SeriesKey 标识一个逻辑时间点（不含来源）。
type SeriesKey struct {
	Instrument  string
	Timestamp   int64
	Granularity Granularity
}

func (p Point) SeriesKey() SeriesKey {
	return SeriesKey{Instrument: p.Instrument, Timestamp: p.Timestamp, Granularity: p.Granularity}
}

// Tag 把数据源的 K 线转换为带来源的 Point。
func Tag(instrument string, g Granularity, source string, candles []Candle) []Point {
	out := make([]Point, 0, len(candles))
	for _, c := range candles {
		out = append(out, Point{
			Instrument:  instrument,
			Timestamp:   c.OpenTime,
			Granularity: g,
			Source:      source,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
		})
	}
	return out
}
