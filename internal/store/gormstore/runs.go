package gormstore

import (
	"context"
	"encoding/json"
	"time"

	"backfill/internal/market"
	"backfill/internal/store"
	storemodel "backfill/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunStore 保存 trigger-once 执行历史。
type RunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) SaveRun(ctx context.Context, run store.RunRecord) error {
	var stats datatypes.JSON
	if len(run.Stats) > 0 {
		raw, err := json.Marshal(run.Stats)
		if err != nil {
			return err
		}
		stats = datatypes.JSON(raw)
	}
	row := storemodel.RunModel{
		ID:             run.ID,
		Granularity:    string(run.Granularity),
		StartedAtUnix:  run.StartedAt.UnixMilli(),
		FinishedAtUnix: unixMilli(run.FinishedAt),
		Chunks:         run.Chunks,
		Inserted:       run.Inserted,
		Failures:       run.Failures,
		Stats:          stats,
	}
	return classifyWriteError(s.db.WithContext(ctx).Save(&row).Error)
}

func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []storemodel.RunModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.RunRecord, 0, len(rows))
	for _, row := range rows {
		rec := store.RunRecord{
			ID:          row.ID,
			Granularity: market.Granularity(row.Granularity),
			StartedAt:   time.UnixMilli(row.StartedAtUnix),
			FinishedAt:  fromUnixMilli(row.FinishedAtUnix),
			Chunks:      row.Chunks,
			Inserted:    row.Inserted,
			Failures:    row.Failures,
		}
		if len(row.Stats) > 0 {
			_ = json.Unmarshal(row.Stats, &rec.Stats)
		}
		out = append(out, rec)
	}
	return out, nil
}

// 未结束的运行 finished_at 存 0。
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ store.RunStore = (*RunStore)(nil)
