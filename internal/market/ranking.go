package market

import (
	"sort"
	"strings"
)

// Ranking 是静态的数据源优先级表，数值越大优先级越高；未登记的来源为 0。
type Ranking map[string]int

func NewRanking(priorities map[string]int) Ranking {
	out := make(Ranking, len(priorities))
	for name, p := range priorities {
		out[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return out
}

func (r Ranking) Rank(source string) int {
	if r == nil {
		return 0
	}
	return r[strings.ToLower(strings.TrimSpace(source))]
}

// Prefer reports whether candidate should replace current for the same series key.
// Ties keep the current point.
func (r Ranking) Prefer(candidate, current string) bool {
	return r.Rank(candidate) > r.Rank(current)
}

// Order 返回按优先级降序排列的来源名，优先级相同时按名称排序保证稳定。
func (r Ranking) Order(sources []string) []string {
	out := append([]string(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := r.Rank(out[i]), r.Rank(out[j])
		if ri != rj {
			return ri > rj
		}
		return out[i] < out[j]
	})
	return out
}

// Best 对同一 SeriesKey 的多个点按优先级取最优，结果按 (instrument, timestamp) 升序。
func (r Ranking) Best(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}
	best := make(map[SeriesKey]int, len(points))
	order := make([]SeriesKey, 0, len(points))
	for i, p := range points {
		key := p.SeriesKey()
		idx, ok := best[key]
		if !ok {
			best[key] = i
			order = append(order, key)
			continue
		}
		if r.Prefer(p.Source, points[idx].Source) {
			best[key] = i
		}
	}
	out := make([]Point, 0, len(order))
	for _, key := range order {
		out = append(out, points[best[key]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		if out[i].Granularity != out[j].Granularity {
			return out[i].Granularity < out[j].Granularity
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
