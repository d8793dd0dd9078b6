package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"backfill/internal/market"
)

// MemoryCandleStore 是分片的进程内 CandleStore，用于 dry-run 与测试。
type MemoryCandleStore struct {
	shards []candleShard
}

type candleShard struct {
	mu   sync.RWMutex
	data map[string]map[pointKey]market.Point
}

type pointKey struct {
	ts     int64
	source string
}

const defaultShardCount = 32

func NewMemoryCandleStore() *MemoryCandleStore {
	return newMemoryCandleStore(defaultShardCount)
}

func newMemoryCandleStore(shards int) *MemoryCandleStore {
	if shards <= 0 {
		shards = 1
	}
	out := &MemoryCandleStore{shards: make([]candleShard, shards)}
	for i := range out.shards {
		out.shards[i] = candleShard{data: make(map[string]map[pointKey]market.Point)}
	}
	return out
}

func (s *MemoryCandleStore) shardFor(key string) *candleShard {
	idx := hashKey(key) % uint32(len(s.shards))
	return &s.shards[idx]
}

func seriesKey(instrument string, g market.Granularity) string {
	return instrument + "@" + string(g)
}

func (s *MemoryCandleStore) InsertIgnore(ctx context.Context, points []market.Point) (int64, error) {
	var inserted int64
	for _, p := range points {
		if p.Instrument == "" || p.Granularity == "" || p.Source == "" {
			return inserted, errors.New("instrument/granularity/source 不能为空")
		}
		k := seriesKey(p.Instrument, p.Granularity)
		sh := s.shardFor(k)
		sh.mu.Lock()
		series := sh.data[k]
		if series == nil {
			series = make(map[pointKey]market.Point)
			sh.data[k] = series
		}
		pk := pointKey{ts: p.Timestamp, source: p.Source}
		if _, exists := series[pk]; !exists {
			series[pk] = p
			inserted++
		}
		sh.mu.Unlock()
	}
	return inserted, nil
}

func (s *MemoryCandleStore) Best(ctx context.Context, instrument string, g market.Granularity, start, end int64, ranking market.Ranking) ([]market.Point, error) {
	k := seriesKey(instrument, g)
	sh := s.shardFor(k)
	sh.mu.RLock()
	points := make([]market.Point, 0, len(sh.data[k]))
	for pk, p := range sh.data[k] {
		if pk.ts < start || pk.ts > end {
			continue
		}
		points = append(points, p)
	}
	sh.mu.RUnlock()
	// map 遍历无序，先按来源排序保证同优先级时结果稳定
	sort.Slice(points, func(i, j int) bool {
		if points[i].Timestamp != points[j].Timestamp {
			return points[i].Timestamp < points[j].Timestamp
		}
		return points[i].Source < points[j].Source
	})
	return ranking.Best(points), nil
}

func (s *MemoryCandleStore) Count(ctx context.Context, instrument string, g market.Granularity) (int64, error) {
	k := seriesKey(instrument, g)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return int64(len(sh.data[k])), nil
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

var _ CandleStore = (*MemoryCandleStore)(nil)
