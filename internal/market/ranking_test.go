package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankingOrder(t *testing.T) {
	r := NewRanking(map[string]int{"CryptoCompare": 30, "coingecko": 20, "binance": 50})
	assert.Equal(t, []string{"binance", "cryptocompare", "coingecko", "unknown"},
		r.Order([]string{"coingecko", "unknown", "cryptocompare", "binance"}))
	assert.Equal(t, 30, r.Rank("cryptocompare"))
	assert.Equal(t, 0, r.Rank("polygon"))
}

func TestRankingBestKeepsHighestPriority(t *testing.T) {
	r := NewRanking(map[string]int{"cryptocompare": 30, "coingecko": 20})
	points := []Point{
		{Instrument: "X", Timestamp: 2000, Granularity: Day, Source: "coingecko", Close: 2},
		{Instrument: "X", Timestamp: 1000, Granularity: Day, Source: "coingecko", Close: 1},
		{Instrument: "X", Timestamp: 1000, Granularity: Day, Source: "cryptocompare", Close: 1.5},
		{Instrument: "X", Timestamp: 1000, Granularity: Day, Source: "coingecko", Close: 9},
	}
	best := r.Best(points)
	require.Len(t, best, 2)
	assert.Equal(t, int64(1000), best[0].Timestamp)
	assert.Equal(t, "cryptocompare", best[0].Source)
	assert.Equal(t, 1.5, best[0].Close)
	assert.Equal(t, "coingecko", best[1].Source)
}

func TestRankingBestTieKeepsFirst(t *testing.T) {
	r := NewRanking(nil)
	best := r.Best([]Point{
		{Instrument: "X", Timestamp: 1, Granularity: Hour, Source: "a", Close: 1},
		{Instrument: "X", Timestamp: 1, Granularity: Hour, Source: "b", Close: 2},
	})
	require.Len(t, best, 1)
	assert.Equal(t, "a", best[0].Source)
}
