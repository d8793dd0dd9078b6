package model

import "gorm.io/datatypes"

// CandleModel maps to 'candles'. 主键为 (instrument, ts, granularity, source)，重复写入被忽略。
type CandleModel struct {
	Instrument  string  `gorm:"column:instrument;primaryKey;size:32"`
	Timestamp   int64   `gorm:"column:ts;primaryKey;autoIncrement:false"`
	Granularity string  `gorm:"column:granularity;primaryKey;size:16"`
	Source      string  `gorm:"column:source;primaryKey;size:32"`
	Open        float64 `gorm:"column:open"`
	High        float64 `gorm:"column:high"`
	Low         float64 `gorm:"column:low"`
	Close       float64 `gorm:"column:close"`
	Volume      float64 `gorm:"column:volume"`
	CreatedAt   int64   `gorm:"column:created_at"`
}

func (CandleModel) TableName() string { return "candles" }

// ProgressModel maps to 'ingest_progress'.
type ProgressModel struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Instrument    string `gorm:"column:instrument;size:32;uniqueIndex:idx_progress_key,priority:1"`
	Granularity   string `gorm:"column:granularity;size:16;uniqueIndex:idx_progress_key,priority:2;index:idx_progress_claim,priority:1"`
	Direction     string `gorm:"column:direction;size:16"`
	Collected     int64  `gorm:"column:collected;index:idx_progress_claim,priority:3"`
	Target        int64  `gorm:"column:target"`
	Cursor        int64  `gorm:"column:cursor"`
	Status        string `gorm:"column:status;size:16;index:idx_progress_claim,priority:2"`
	ErrorCount    int    `gorm:"column:error_count"`
	LastError     string `gorm:"column:last_error"`
	Version       int64  `gorm:"column:version"`
	ClaimedAtUnix int64  `gorm:"column:claimed_at"`
	// CompletedAtUnix 首次完成时间，rearm 后不清零。
	CompletedAtUnix int64 `gorm:"column:completed_at"`
	CreatedAtUnix   int64 `gorm:"column:created_at"`
	UpdatedAtUnix   int64 `gorm:"column:updated_at"`
}

func (ProgressModel) TableName() string { return "ingest_progress" }

// RunModel maps to 'ingest_runs'.
type RunModel struct {
	ID             string         `gorm:"column:id;primaryKey;size:36"`
	Granularity    string         `gorm:"column:granularity;size:16;index"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	FinishedAtUnix int64          `gorm:"column:finished_at"`
	Chunks         int            `gorm:"column:chunks"`
	Inserted       int64          `gorm:"column:inserted"`
	Failures       int            `gorm:"column:failures"`
	Stats          datatypes.JSON `gorm:"column:stats;type:TEXT"`
}

func (RunModel) TableName() string { return "ingest_runs" }
