// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig        `yaml:"app"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Engine      EngineConfig     `yaml:"engine"`
	Sizing      SizingConfig     `yaml:"sizing"`
	Sentiment   SentimentConfig  `yaml:"sentiment"`
	Market      MarketConfig     `yaml:"market"`
	Reconciler  ReconcilerConfig `yaml:"reconciler"`
	Backtest    BacktestConfig   `yaml:"backtest"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Concurrency ConcurrencyCfg   `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode          string  `yaml:"mode"` // "live" or "paper"
	DatabasePath  string  `yaml:"database_path"`
	LogLevel      string  `yaml:"log_level"`
	PaperQuoteUSD float64 `yaml:"paper_quote_usd"` // simulated quote balance in paper mode
}

// ExchangeConfig contains exchange credentials and fee schedule
type ExchangeConfig struct {
	APIKey       Secret  `yaml:"api_key"`
	SecretKey    Secret  `yaml:"secret_key"`
	BaseURL      string  `yaml:"base_url"` // optional override for the API URL
	MakerFeeRate float64 `yaml:"maker_fee_rate"`
	TakerFeeRate float64 `yaml:"taker_fee_rate"`
	RateLimit    float64 `yaml:"rate_limit"`       // requests per second
	RateBurst    int     `yaml:"rate_burst"`       // token bucket burst
	TimeoutMs    int     `yaml:"timeout_ms"`       // absolute per-call timeout
	MaxRetries   int     `yaml:"max_retries"`      // transient retry attempts
	BackoffMs    int     `yaml:"retry_backoff_ms"` // initial retry backoff
}

// EngineConfig contains grid engine parameters shared by all bots
type EngineConfig struct {
	CycleIntervalSeconds int     `yaml:"cycle_interval_seconds"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	ProfitLockThreshold  float64 `yaml:"profit_lock_threshold"`
	TrailingStopPct      float64 `yaml:"trailing_stop_pct"`
	RebalanceThreshold   float64 `yaml:"rebalance_threshold"` // fraction of grid range
	StaleRangePct        float64 `yaml:"stale_range_pct"`
	ReserveUSD           float64 `yaml:"reserve_usd"` // dip-buyer reserve kept out of grid buys
}

// SizingConfig contains position sizer caps and Kelly settings
type SizingConfig struct {
	MaxPositionPercent float64 `yaml:"max_position_percent"`
	MinPositionPercent float64 `yaml:"min_position_percent"`
	MaxRiskPerTrade    float64 `yaml:"max_risk_per_trade"`
	KellyFraction      float64 `yaml:"kelly_fraction"`
	KellyMinTrades     int     `yaml:"kelly_min_trades"`
}

// SentimentConfig contains the modulator weights and admission thresholds
type SentimentConfig struct {
	Enabled           bool               `yaml:"enabled"`
	SkipBuyThreshold  float64            `yaml:"skip_buy_threshold"`
	SkipSellThreshold float64            `yaml:"skip_sell_threshold"`
	Weights           map[string]float64 `yaml:"weights"`
	ScoresFile        string             `yaml:"scores_file"` // YAML fixture with component scores
	OpenAIKey         Secret             `yaml:"openai_api_key"`
	CryptoPanicKey    Secret             `yaml:"cryptopanic_api_key"`
}

// MarketConfig contains feature service settings
type MarketConfig struct {
	Timeframe     string  `yaml:"timeframe"`
	ATRPeriod     int     `yaml:"atr_period"`
	EMAFast       int     `yaml:"ema_fast"`
	EMASlow       int     `yaml:"ema_slow"`
	LowVolATRPct  float64 `yaml:"low_vol_atr_pct"`  // below this ATR% -> LOW
	HighVolATRPct float64 `yaml:"high_vol_atr_pct"` // above this ATR% -> HIGH
	CacheDir      string  `yaml:"cache_dir"`
}

// ReconcilerConfig contains reconciliation cadence settings
type ReconcilerConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	TradeLookbackMinutes int `yaml:"trade_lookback_minutes"`
}

// BacktestConfig contains backtest fill simulation settings
type BacktestConfig struct {
	SlippagePct float64 `yaml:"slippage_pct"`
	FeeRate     float64 `yaml:"fee_rate"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// ConcurrencyCfg contains worker pool settings
type ConcurrencyCfg struct {
	ExecPoolSize   int `yaml:"exec_pool_size"`
	ExecPoolBuffer int `yaml:"exec_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. PAPER_TRADING=1 forces paper mode regardless of the file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("PAPER_TRADING"); v == "1" || strings.EqualFold(v, "true") {
		config.App.Mode = "paper"
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngine(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSizing(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSentiment(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarket(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.Mode != "live" && c.App.Mode != "paper" {
		return ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be 'live' or 'paper'"}
	}
	if c.App.DatabasePath == "" {
		return ValidationError{Field: "app.database_path", Message: "database path is required"}
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.App.Mode == "live" {
		if c.Exchange.APIKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "API key is required in live mode"}
		}
		if c.Exchange.SecretKey == "" {
			return ValidationError{Field: "exchange.secret_key", Message: "secret key is required in live mode"}
		}
	}
	if c.Exchange.MakerFeeRate < 0 || c.Exchange.MakerFeeRate > 1 {
		return ValidationError{Field: "exchange.maker_fee_rate", Value: c.Exchange.MakerFeeRate, Message: "must be in [0, 1]"}
	}
	if c.Exchange.TakerFeeRate < 0 || c.Exchange.TakerFeeRate > 1 {
		return ValidationError{Field: "exchange.taker_fee_rate", Value: c.Exchange.TakerFeeRate, Message: "must be in [0, 1]"}
	}
	if c.Exchange.RateLimit <= 0 {
		return ValidationError{Field: "exchange.rate_limit", Value: c.Exchange.RateLimit, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.CycleIntervalSeconds < 1 {
		return ValidationError{Field: "engine.cycle_interval_seconds", Value: c.Engine.CycleIntervalSeconds, Message: "must be at least 1"}
	}
	if c.Engine.StopLossPct <= 0 || c.Engine.StopLossPct >= 1 {
		return ValidationError{Field: "engine.stop_loss_pct", Value: c.Engine.StopLossPct, Message: "must be in (0, 1)"}
	}
	if c.Engine.RebalanceThreshold <= 0 || c.Engine.RebalanceThreshold > 1 {
		return ValidationError{Field: "engine.rebalance_threshold", Value: c.Engine.RebalanceThreshold, Message: "must be in (0, 1]"}
	}
	if c.Engine.StaleRangePct <= 0 || c.Engine.StaleRangePct > 1 {
		return ValidationError{Field: "engine.stale_range_pct", Value: c.Engine.StaleRangePct, Message: "must be in (0, 1]"}
	}
	return nil
}

func (c *Config) validateSizing() error {
	if c.Sizing.MaxPositionPercent <= 0 || c.Sizing.MaxPositionPercent > 1 {
		return ValidationError{Field: "sizing.max_position_percent", Value: c.Sizing.MaxPositionPercent, Message: "must be in (0, 1]"}
	}
	if c.Sizing.MinPositionPercent < 0 || c.Sizing.MinPositionPercent > c.Sizing.MaxPositionPercent {
		return ValidationError{Field: "sizing.min_position_percent", Value: c.Sizing.MinPositionPercent,
			Message: "must be non-negative and not exceed max_position_percent"}
	}
	if c.Sizing.KellyFraction < 0 || c.Sizing.KellyFraction > 1 {
		return ValidationError{Field: "sizing.kelly_fraction", Value: c.Sizing.KellyFraction, Message: "must be in [0, 1]"}
	}
	return nil
}

func (c *Config) validateSentiment() error {
	if !c.Sentiment.Enabled {
		return nil
	}
	if c.Sentiment.SkipBuyThreshold <= c.Sentiment.SkipSellThreshold {
		return ValidationError{Field: "sentiment.skip_buy_threshold", Value: c.Sentiment.SkipBuyThreshold,
			Message: "must exceed skip_sell_threshold"}
	}
	var sum float64
	for _, w := range c.Sentiment.Weights {
		if w < 0 {
			return ValidationError{Field: "sentiment.weights", Value: w, Message: "weights must be non-negative"}
		}
		sum += w
	}
	if len(c.Sentiment.Weights) > 0 && (sum < 0.999 || sum > 1.001) {
		return ValidationError{Field: "sentiment.weights", Value: sum, Message: "weights must sum to 1.0"}
	}
	return nil
}

func (c *Config) validateMarket() error {
	if c.Market.ATRPeriod < 2 {
		return ValidationError{Field: "market.atr_period", Value: c.Market.ATRPeriod, Message: "must be at least 2"}
	}
	if c.Market.EMAFast >= c.Market.EMASlow {
		return ValidationError{Field: "market.ema_fast", Value: c.Market.EMAFast, Message: "must be shorter than ema_slow"}
	}
	return nil
}

// String returns the configuration as YAML; Secret fields redact themselves.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults. LoadConfig overlays the file
// on top of these.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:          "paper",
			DatabasePath:  "gridtrader.db",
			LogLevel:      "INFO",
			PaperQuoteUSD: 10000,
		},
		Exchange: ExchangeConfig{
			MakerFeeRate: 0.001,
			TakerFeeRate: 0.001,
			RateLimit:    10,
			RateBurst:    20,
			TimeoutMs:    10000,
			MaxRetries:   3,
			BackoffMs:    200,
		},
		Engine: EngineConfig{
			CycleIntervalSeconds: 60,
			StopLossPct:          0.15,
			ProfitLockThreshold:  0.03,
			TrailingStopPct:      0.05,
			RebalanceThreshold:   0.10,
			StaleRangePct:        0.05,
			ReserveUSD:           0,
		},
		Sizing: SizingConfig{
			MaxPositionPercent: 0.10,
			MinPositionPercent: 0.001,
			MaxRiskPerTrade:    0.02,
			KellyFraction:      0.25,
			KellyMinTrades:     20,
		},
		Sentiment: SentimentConfig{
			Enabled:           false,
			SkipBuyThreshold:  75,
			SkipSellThreshold: 25,
			Weights: map[string]float64{
				"fear_greed": 0.4,
				"news":       0.3,
				"ai":         0.2,
				"onchain":    0.1,
			},
		},
		Market: MarketConfig{
			Timeframe:     "1h",
			ATRPeriod:     14,
			EMAFast:       12,
			EMASlow:       26,
			LowVolATRPct:  1.0,
			HighVolATRPct: 3.0,
			CacheDir:      "data/ohlcv",
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds:      60,
			TradeLookbackMinutes: 60,
		},
		Backtest: BacktestConfig{
			SlippagePct: 0,
			FeeRate:     0.001,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9090,
		},
		Concurrency: ConcurrencyCfg{
			ExecPoolSize:   8,
			ExecPoolBuffer: 100,
		},
	}
}
