package gormstore

import (
	"context"
	"fmt"
	"time"

	"backfill/internal/market"
	"backfill/internal/store"
	storemodel "backfill/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandleStore 基于 gorm 的 K 线存储，主键冲突时忽略写入。
type CandleStore struct {
	db        *gorm.DB
	batchSize int
}

func NewCandleStore(db *gorm.DB, batchSize int) *CandleStore {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CandleStore{db: db, batchSize: batchSize}
}

func (s *CandleStore) InsertIgnore(ctx context.Context, points []market.Point) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("candle store 未初始化")
	}
	if len(points) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	models := make([]storemodel.CandleModel, 0, len(points))
	for _, p := range points {
		models = append(models, storemodel.CandleModel{
			Instrument:  p.Instrument,
			Timestamp:   p.Timestamp,
			Granularity: string(p.Granularity),
			Source:      p.Source,
			Open:        p.Open,
			High:        p.High,
			Low:         p.Low,
			Close:       p.Close,
			Volume:      p.Volume,
			CreatedAt:   now,
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&models, s.batchSize)
	if res.Error != nil {
		return 0, classifyWriteError(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *CandleStore) Best(ctx context.Context, instrument string, g market.Granularity, start, end int64, ranking market.Ranking) ([]market.Point, error) {
	var rows []storemodel.CandleModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND granularity = ? AND ts >= ? AND ts <= ?", instrument, string(g), start, end).
		Order("ts ASC").Order("source ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	points := make([]market.Point, 0, len(rows))
	for _, row := range rows {
		points = append(points, toPoint(row))
	}
	return ranking.Best(points), nil
}

func (s *CandleStore) Count(ctx context.Context, instrument string, g market.Granularity) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&storemodel.CandleModel{}).
		Where("instrument = ? AND granularity = ?", instrument, string(g)).
		Count(&n).Error
	return n, err
}

func toPoint(m storemodel.CandleModel) market.Point {
	return market.Point{
		Instrument:  m.Instrument,
		Timestamp:   m.Timestamp,
		Granularity: market.Granularity(m.Granularity),
		Source:      m.Source,
		Open:        m.Open,
		High:        m.High,
		Low:         m.Low,
		Close:       m.Close,
		Volume:      m.Volume,
	}
}

var _ store.CandleStore = (*CandleStore)(nil)
