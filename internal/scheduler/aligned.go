package scheduler

import "time"

// DefaultGrace 是 K 线收盘后等待数据源发布的宽限期。
const DefaultGrace = 10 * time.Second

// NextClose 计算 now 之后下一根 K 线的收盘时刻、唤醒时刻（收盘+offset）以及需等待的时长。
// interval<=0 时返回 now 与 0。
func NextClose(now time.Time, interval, offset time.Duration) (nextClose, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	if interval <= 0 {
		return now, now, 0
	}
	if offset < 0 {
		offset = 0
	}
	nextClose = now.Truncate(interval).Add(interval)
	wakeAt = nextClose.Add(offset)
	// 仍处于上一根收盘后的宽限期内
	if prev := nextClose.Add(-interval).Add(offset); prev.After(now) {
		wakeAt = prev
		nextClose = nextClose.Add(-interval)
	}
	return nextClose, wakeAt, wakeAt.Sub(now)
}

// Settled 返回已收盘且超过宽限期的时间基准；早于它收盘的 K 线视为已发布。
func Settled(now time.Time, grace time.Duration) time.Time {
	if grace <= 0 {
		return now
	}
	return now.Add(-grace)
}
