package sentiment

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridtrader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled:           true,
		SkipBuyThreshold:  75,
		SkipSellThreshold: 25,
		Weights: map[string]float64{
			ComponentFearGreed: 0.4,
			ComponentNews:      0.3,
			ComponentAI:        0.2,
			ComponentOnChain:   0.1,
		},
	}
}

func TestSignal_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := New(cfg, &StaticSource{Components: map[string]float64{ComponentFearGreed: 90}}, logging.Nop())

	sig, err := m.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 50.0, sig.Score)
	assert.False(t, sig.SkipBuys)
	assert.False(t, sig.SkipSells)
	assert.Equal(t, 1.0, sig.SizeMultiplier)
	assert.Equal(t, 1.0, sig.DipBuyerMultiplier)
}

func TestSignal_CompositeAllComponents(t *testing.T) {
	m := New(testConfig(), &StaticSource{Components: map[string]float64{
		ComponentFearGreed: 80,
		ComponentNews:      60,
		ComponentAI:        40,
		ComponentOnChain:   20,
	}}, logging.Nop())

	sig, err := m.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	// 80*0.4 + 60*0.3 + 40*0.2 + 20*0.1 = 60.
	assert.InDelta(t, 60.0, sig.Score, 0.001)
	assert.False(t, sig.SkipBuys)
	assert.False(t, sig.SkipSells)
}

func TestSignal_MissingComponentsRenormalize(t *testing.T) {
	m := New(testConfig(), &StaticSource{Components: map[string]float64{
		ComponentFearGreed: 80,
		ComponentNews:      40,
	}}, logging.Nop())

	sig, err := m.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	// (80*0.4 + 40*0.3) / 0.7 = 62.857...
	assert.InDelta(t, 62.857, sig.Score, 0.01)
}

func TestSignal_SkipThresholdsInclusive(t *testing.T) {
	greedy := New(testConfig(), &StaticSource{Components: map[string]float64{ComponentFearGreed: 75}}, logging.Nop())
	sig, err := greedy.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.True(t, sig.SkipBuys)
	assert.False(t, sig.SkipSells)

	fearful := New(testConfig(), &StaticSource{Components: map[string]float64{ComponentFearGreed: 25}}, logging.Nop())
	sig, err = fearful.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.False(t, sig.SkipBuys)
	assert.True(t, sig.SkipSells)
}

func TestSignal_SourceFailureDegradesToNeutral(t *testing.T) {
	src := FuncSource(func(ctx context.Context, symbol string) (map[string]float64, error) {
		return nil, errors.New("feed down")
	})
	m := New(testConfig(), src, logging.Nop())

	sig, err := m.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 50.0, sig.Score)
	assert.False(t, sig.SkipBuys)
}

func TestSignal_NoComponentsNeutral(t *testing.T) {
	m := New(testConfig(), &StaticSource{}, logging.Nop())
	sig, err := m.Signal(context.Background(), "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 50.0, sig.Score)
	assert.Equal(t, 1.0, sig.SizeMultiplier)
}

func TestSizeMultiplierBands(t *testing.T) {
	tests := []struct {
		score float64
		want  float64
	}{
		{10, 1.4}, {25, 1.4},
		{30, 1.2}, {40, 1.2},
		{45, 1.1}, {50, 1.1},
		{55, 1.0},
		{60, 0.9}, {65, 0.9},
		{70, 0.6}, {75, 0.6},
		{80, 0.5}, {99, 0.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sizeMultiplier(tt.score), "score %.0f", tt.score)
	}
}

func TestDipMultiplier(t *testing.T) {
	assert.InDelta(t, 2.0, dipMultiplier(0), 0.001)
	assert.InDelta(t, 1.6, dipMultiplier(20), 0.001)
	assert.InDelta(t, 1.0, dipMultiplier(50), 0.001)
	assert.InDelta(t, 0.5, dipMultiplier(75), 0.001)
	// Clamped at the extreme-greed end.
	assert.InDelta(t, 0.25, dipMultiplier(100), 0.001)
}

func TestHistoryProvider_DayLookup(t *testing.T) {
	cfg := testConfig()
	h := NewHistoryProvider(cfg, map[string]map[string]float64{
		"2024-03-01": {ComponentFearGreed: 20},
		"2024-03-02": {ComponentFearGreed: 90},
	})

	at := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	sig, err := h.Signal(context.Background(), "BTCUSDT", at)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, sig.Score, 0.001)
	assert.True(t, sig.SkipSells)

	at = time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)
	sig, err = h.Signal(context.Background(), "BTCUSDT", at)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, sig.Score, 0.001)
	assert.True(t, sig.SkipBuys)

	// Days without history replay as neutral.
	at = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	sig, err = h.Signal(context.Background(), "BTCUSDT", at)
	require.NoError(t, err)
	assert.Equal(t, 50.0, sig.Score)
}
