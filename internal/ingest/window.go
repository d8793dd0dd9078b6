package ingest

import (
	"backfill/internal/market"
	"backfill/internal/store"
)

// Window 是一次拉取覆盖的闭区间 [Start, End]（毫秒）及推进后的游标。
type Window struct {
	Start int64
	End   int64
	Units int64
	Next  int64
}

// Contains 判断时间戳是否落在窗口内且与粒度对齐。
func (w Window) Contains(ts int64, g market.Granularity) bool {
	if ts < w.Start || ts > w.End {
		return false
	}
	return g.Align(ts) == ts
}

// PlanWindow 计算记录下一块的窗口，units 会被剩余量截断。
// 向后回填：[cursor-n*step, cursor-step]，游标移到窗口起点；
// 向前追新：[cursor, cursor+(n-1)*step]，游标移到窗口终点后一格。
func PlanWindow(rec store.ProgressRecord, units int64) (Window, bool) {
	if remaining := rec.Remaining(); units > remaining {
		units = remaining
	}
	step := rec.Granularity.Step()
	if units <= 0 || step <= 0 {
		return Window{}, false
	}
	if rec.Backward() {
		start := rec.Cursor - units*step
		return Window{Start: start, End: rec.Cursor - step, Units: units, Next: start}, true
	}
	end := rec.Cursor + (units-1)*step
	return Window{Start: rec.Cursor, End: end, Units: units, Next: end + step}, true
}

// clip 为点打上来源标签并丢弃窗口外的点。
func clip(instrument string, g market.Granularity, source string, w Window, candles []market.Candle) []market.Point {
	points := market.Tag(instrument, g, source, candles)
	out := points[:0]
	for _, p := range points {
		if w.Contains(p.Timestamp, g) {
			out = append(out, p)
		}
	}
	return out
}
