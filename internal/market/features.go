// Package market computes volatility and trend features from OHLCV
// history. Feature math runs in float64; only the raw candles are money.
package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// EMA separation (relative to the slow EMA) above which the market
// counts as trending.
const trendThreshold = 0.01

// Config holds the lookback and bucket thresholds.
type Config struct {
	Timeframe     string
	ATRPeriod     int
	EMAFast       int
	EMASlow       int
	LowVolATRPct  float64 // ATR% below this classifies as LOW
	HighVolATRPct float64 // ATR% above this classifies as HIGH
}

// FeatureService implements core.IFeatureService over an exchange feed.
type FeatureService struct {
	cfg      Config
	exchange core.IExchange
	cache    *CandleCache
	logger   core.ILogger
}

// NewFeatureService builds the service. cache may be nil to disable caching.
func NewFeatureService(cfg Config, exchange core.IExchange, cache *CandleCache, logger core.ILogger) *FeatureService {
	return &FeatureService{
		cfg:      cfg,
		exchange: exchange,
		cache:    cache,
		logger:   logger.WithField("component", "market"),
	}
}

// Snapshot pulls recent candles and derives ATR, ATR%, EMA regime and the
// volatility bucket. Insufficient history yields the UNKNOWN bucket, not
// an error, so a fresh symbol still trades on a uniform grid.
func (s *FeatureService) Snapshot(ctx context.Context, symbol string) (*core.FeatureSnapshot, error) {
	need := s.cfg.EMASlow * 3
	if min := s.cfg.ATRPeriod * 3; min > need {
		need = min
	}

	// The window snaps to candle boundaries so repeated cycles within one
	// candle reuse the cached fetch instead of keying on the wall clock.
	step := TimeframeDuration(s.cfg.Timeframe)
	end := time.Now().UTC().Truncate(step)
	start := end.Add(-time.Duration(need) * step)

	candles, err := s.fetchCandles(ctx, symbol, start, end, need)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", symbol, err)
	}

	if len(candles) <= s.cfg.ATRPeriod {
		s.logger.Warn("insufficient history for features",
			"symbol", symbol, "candles", len(candles), "atr_period", s.cfg.ATRPeriod)
	}
	return Compute(s.cfg, candles), nil
}

// Compute derives the feature snapshot from a candle window. Too little
// history yields the UNKNOWN bucket.
func Compute(cfg Config, candles []core.Candle) *core.FeatureSnapshot {
	snap := &core.FeatureSnapshot{
		ATR:       decimal.Zero,
		Regime:    core.RegimeRanging,
		VolBucket: core.VolUnknown,
	}
	if len(candles) <= cfg.ATRPeriod {
		return snap
	}

	atr := wilderATR(candles, cfg.ATRPeriod)
	lastClose, _ := candles[len(candles)-1].Close.Float64()
	snap.ATR = decimal.NewFromFloat(atr)
	if lastClose > 0 {
		snap.ATRPercent = atr / lastClose * 100
	}

	switch {
	case snap.ATRPercent <= 0:
		snap.VolBucket = core.VolUnknown
	case snap.ATRPercent < cfg.LowVolATRPct:
		snap.VolBucket = core.VolLow
	case snap.ATRPercent > cfg.HighVolATRPct:
		snap.VolBucket = core.VolHigh
	default:
		snap.VolBucket = core.VolMedium
	}

	if len(candles) >= cfg.EMASlow {
		fast := ema(candles, cfg.EMAFast)
		slow := ema(candles, cfg.EMASlow)
		if slow > 0 && math.Abs(fast-slow)/slow > trendThreshold {
			snap.Regime = core.RegimeTrending
		}
	}
	return snap
}

func (s *FeatureService) fetchCandles(ctx context.Context, symbol string, start, end time.Time, limit int) ([]core.Candle, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(symbol, s.cfg.Timeframe, start, end); ok {
			return cached, nil
		}
	}
	candles, err := s.exchange.FetchOHLCV(ctx, symbol, s.cfg.Timeframe, start, end, limit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(symbol, s.cfg.Timeframe, start, end, candles); err != nil {
			s.logger.Warn("failed to cache candles", "symbol", symbol, "error", err)
		}
	}
	return candles, nil
}

// wilderATR computes the smoothed average true range over the series.
// The first ATR value is a simple average of the first period true ranges;
// subsequent values use Wilder smoothing.
func wilderATR(candles []core.Candle, period int) float64 {
	trs := trueRanges(candles)
	if len(trs) < period {
		return 0
	}

	var atr float64
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// trueRanges returns max(high-low, |high-prevClose|, |low-prevClose|)
// for each candle after the first.
func trueRanges(candles []core.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high, _ := candles[i].High.Float64()
		low, _ := candles[i].Low.Float64()
		prevClose, _ := candles[i-1].Close.Float64()

		tr := high - low
		if d := math.Abs(high - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(low - prevClose); d > tr {
			tr = d
		}
		out = append(out, tr)
	}
	return out
}

// ema computes the exponential moving average of closes, seeded with the
// simple average of the first period values.
func ema(candles []core.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}

	var seed float64
	for i := 0; i < period; i++ {
		c, _ := candles[i].Close.Float64()
		seed += c
	}
	v := seed / float64(period)

	k := 2.0 / (float64(period) + 1)
	for i := period; i < len(candles); i++ {
		c, _ := candles[i].Close.Float64()
		v = c*k + v*(1-k)
	}
	return v
}

// TimeframeDuration maps exchange timeframe strings to durations.
// Unknown strings fall back to one hour.
func TimeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
