package market

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Series 是按时间排序的一段查询结果。
type Series []Point

// TimeString 按粒度格式化时间戳（UTC）。
func (p Point) TimeString() string {
	if p.Timestamp <= 0 {
		return "-"
	}
	t := time.UnixMilli(p.Timestamp).UTC()
	switch p.Granularity {
	case Day:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01-02 15:04") + "Z"
	}
}

// Summary 返回一行摘要：条数、时间范围、收盘涨跌、高低区间与来源分布。
func (s Series) Summary() string {
	if len(s) == 0 {
		return "0 candles"
	}
	first := s[0]
	last := s[len(s)-1]
	low := math.MaxFloat64
	high := -math.MaxFloat64
	bySource := make(map[string]int)
	for _, p := range s {
		low = math.Min(low, p.Low)
		high = math.Max(high, p.High)
		bySource[p.Source]++
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d candles %s → %s", len(s), first.TimeString(), last.TimeString())
	sb.WriteString(", close≈" + formatPrice(last.Close))
	if base := first.Open; base != 0 {
		fmt.Fprintf(&sb, " (%+.2f%%)", (last.Close-base)/base*100)
	}
	fmt.Fprintf(&sb, ", 区间 %s–%s", formatPrice(low), formatPrice(high))

	sources := make([]string, 0, len(bySource))
	for name := range bySource {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	parts := make([]string, 0, len(sources))
	for _, name := range sources {
		parts = append(parts, fmt.Sprintf("%s×%d", name, bySource[name]))
	}
	sb.WriteString(", 来源 " + strings.Join(parts, " "))
	return sb.String()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
