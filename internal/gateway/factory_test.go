package gateway

import (
	"testing"

	"backfill/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourcesFromDefaultConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	sources, err := NewSourcesFromConfig(cfg)
	require.NoError(t, err)
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"binance", "gate", "cryptocompare", "coingecko"}, names)
}

func TestNewSourceUnknown(t *testing.T) {
	_, err := NewSource(config.SourceConfig{Name: "kraken"})
	assert.Error(t, err)
	_, err = NewSourcesFromConfig(&config.Config{})
	assert.Error(t, err)
}
