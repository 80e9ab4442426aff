package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.App.Mode)
	assert.Equal(t, 0.15, cfg.Engine.StopLossPct)
	assert.Equal(t, 20, cfg.Sizing.KellyMinTrades)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  mode: paper
  log_level: DEBUG
engine:
  stop_loss_pct: 0.2
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.App.LogLevel)
	assert.Equal(t, 0.2, cfg.Engine.StopLossPct)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.10, cfg.Engine.RebalanceThreshold)
	assert.Equal(t, "1h", cfg.Market.Timeframe)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/grid.db")
	path := writeConfig(t, `
app:
  mode: paper
  database_path: ${TEST_DB_PATH}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/grid.db", cfg.App.DatabasePath)
}

func TestLoadConfig_PaperTradingEnvOverride(t *testing.T) {
	t.Setenv("PAPER_TRADING", "1")
	path := writeConfig(t, `
app:
  mode: live
exchange:
  api_key: k
  secret_key: s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.App.Mode)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_BadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "dry-run"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
}

func TestValidate_LiveModeRequiresKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "live"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.SecretKey = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_EngineBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.StopLossPct = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Engine.CycleIntervalSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Engine.RebalanceThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_SizingBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sizing.MinPositionPercent = 0.5 // above max
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_position_percent")

	cfg = DefaultConfig()
	cfg.Sizing.KellyFraction = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_SentimentWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sentiment.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Sentiment.Weights = map[string]float64{"fear_greed": 0.5, "news": 0.2}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	// Weights only matter while sentiment is on.
	cfg.Sentiment.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SentimentThresholdOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sentiment.Enabled = true
	cfg.Sentiment.SkipBuyThreshold = 20
	cfg.Sentiment.SkipSellThreshold = 30
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip_buy_threshold")
}

func TestValidate_MarketEMAOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Market.EMAFast = 26
	cfg.Market.EMASlow = 12
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ema_fast")
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "super-secret-key"
	out := cfg.String()
	assert.NotContains(t, out, "super-secret-key")
}
