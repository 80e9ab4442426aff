package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandleCache_RoundTrip(t *testing.T) {
	cache, err := NewCandleCache(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(80 * time.Hour)
	candles := candleSeries(flatCloses(80, 42000), 50)

	_, ok := cache.Get("BTCUSDT", "1h", start, end)
	assert.False(t, ok)

	require.NoError(t, cache.Put("BTCUSDT", "1h", start, end, candles))

	got, ok := cache.Get("BTCUSDT", "1h", start, end)
	require.True(t, ok)
	require.Len(t, got, len(candles))
	assert.True(t, got[0].Close.Equal(candles[0].Close))
	assert.Equal(t, candles[0].OpenTime, got[0].OpenTime)

	// A different window is a distinct key.
	_, ok = cache.Get("BTCUSDT", "1h", start, end.Add(time.Hour))
	assert.False(t, ok)
	_, ok = cache.Get("ETHUSDT", "1h", start, end)
	assert.False(t, ok)
}
