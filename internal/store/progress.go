package store

import (
	"strings"
	"time"

	"backfill/internal/market"

	"github.com/shopspring/decimal"
)

// Status 是进度记录的生命周期状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
)

const (
	DirectionBackward = "backward"
	DirectionForward  = "forward"
)

// ProgressRecord 描述单个 (instrument, granularity) 的采集进度。
type ProgressRecord struct {
	ID          int64              `json:"id"`
	Instrument  string             `json:"instrument"`
	Granularity market.Granularity `json:"granularity"`
	Direction   string             `json:"direction"`
	Collected   int64              `json:"collected"`
	Target      int64              `json:"target"`
	Cursor      int64              `json:"cursor"`
	Status      Status             `json:"status"`
	ErrorCount  int                `json:"error_count"`
	LastError   string             `json:"last_error,omitempty"`
	Version     int64              `json:"version"`
	ClaimedAt   time.Time          `json:"claimed_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Remaining 返回距离目标还差的时间单位数量。
func (r ProgressRecord) Remaining() int64 {
	if r.Collected >= r.Target {
		return 0
	}
	return r.Target - r.Collected
}

// Percent 返回完成百分比（两位小数）。
func (r ProgressRecord) Percent() float64 {
	if r.Target <= 0 {
		return 100
	}
	pct := decimal.NewFromInt(r.Collected).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(r.Target)).
		Round(2)
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return 100
	}
	f, _ := pct.Float64()
	return f
}

func (r ProgressRecord) Backward() bool {
	return !strings.EqualFold(r.Direction, DirectionForward)
}

// SeedRequest 描述一次按配置创建进度记录的请求。
type SeedRequest struct {
	Instruments []string
	Granularity market.Granularity
	Target      int64
	Direction   string
	Now         time.Time
}

// InitialCursor 返回新建记录的游标：向后回填从当前对齐时间开始，
// 向前追新从 now - target*step 开始。
func (r SeedRequest) InitialCursor() int64 {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	aligned := r.Granularity.Align(now.UnixMilli())
	if strings.EqualFold(r.Direction, DirectionForward) {
		return aligned - r.Target*r.Granularity.Step()
	}
	return aligned
}

// RunRecord 记录一次 trigger-once 执行。
type RunRecord struct {
	ID          string             `json:"id"`
	Granularity market.Granularity `json:"granularity"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Chunks      int                `json:"chunks"`
	Inserted    int64              `json:"inserted"`
	Failures    int                `json:"failures"`
	Stats       map[string]any     `json:"stats,omitempty"`
}
