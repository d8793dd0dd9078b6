package market

import (
	"fmt"
	"strings"
	"time"
)

// Granularity 是时间桶大小。
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

var granularityAliases = map[string]Granularity{
	"minute": Minute,
	"1m":     Minute,
	"hour":   Hour,
	"hourly": Hour,
	"1h":     Hour,
	"day":    Day,
	"daily":  Day,
	"1d":     Day,
}

// ParseGranularity 接受 minute/hour/day 及常见别名（1m/1h/1d、hourly/daily）。
func ParseGranularity(input string) (Granularity, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	g, ok := granularityAliases[key]
	if !ok {
		return "", fmt.Errorf("unsupported granularity: %s", input)
	}
	return g, nil
}

// Granularities 按从细到粗的顺序返回所有粒度。
func Granularities() []Granularity {
	return []Granularity{Minute, Hour, Day}
}

func (g Granularity) Valid() bool {
	switch g {
	case Minute, Hour, Day:
		return true
	default:
		return false
	}
}

func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Step 返回一个时间单位的毫秒数。
func (g Granularity) Step() int64 {
	return g.Duration().Milliseconds()
}

// Interval 返回交易所通用的周期写法（1m/1h/1d）。
func (g Granularity) Interval() string {
	switch g {
	case Minute:
		return "1m"
	case Hour:
		return "1h"
	case Day:
		return "1d"
	default:
		return ""
	}
}

func (g Granularity) String() string { return string(g) }

// Align 将毫秒时间向下对齐到粒度网格。
func (g Granularity) Align(ts int64) int64 {
	return AlignDown(ts, g.Step())
}

// ExpectedCandles 计算 [start,end]（含）区间应存在的 K 线数量。
func (g Granularity) ExpectedCandles(start, end int64) int64 {
	step := g.Step()
	if end < start || step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

// HorizonUnits 把一个时间跨度换算成时间单位数量。
func (g Granularity) HorizonUnits(d time.Duration) int64 {
	step := g.Duration()
	if step <= 0 || d <= 0 {
		return 0
	}
	return int64(d / step)
}

func AlignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}
