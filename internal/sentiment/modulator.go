// Package sentiment composes external market-mood signals into the
// admission and sizing hints the engine consumes.
package sentiment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/gridmath"
)

// Component names recognized in the weights map.
const (
	ComponentFearGreed = "fear_greed"
	ComponentNews      = "news"
	ComponentAI        = "ai"
	ComponentOnChain   = "onchain"
)

// SignalSource produces raw component scores in [0,100] for a symbol.
// Missing components are simply absent from the returned map.
type SignalSource interface {
	Scores(ctx context.Context, symbol string) (map[string]float64, error)
}

// Config holds the modulator weights and admission thresholds.
type Config struct {
	Enabled           bool
	SkipBuyThreshold  float64
	SkipSellThreshold float64
	Weights           map[string]float64
}

// Modulator implements core.ISentimentProvider over a SignalSource.
type Modulator struct {
	cfg    Config
	source SignalSource
	logger core.ILogger
}

// New builds a modulator. A nil source yields the pass-through signal.
func New(cfg Config, source SignalSource, logger core.ILogger) *Modulator {
	return &Modulator{cfg: cfg, source: source, logger: logger.WithField("component", "sentiment")}
}

// Neutral is the pass-through signal returned when the modulator is
// disabled or no components are available.
func Neutral() *core.SentimentSignal {
	return &core.SentimentSignal{
		Score:              50,
		SkipBuys:           false,
		SkipSells:          false,
		SizeMultiplier:     1.0,
		DipBuyerMultiplier: 1.0,
		Recommendation:     "neutral",
	}
}

// Signal returns the composite signal for a symbol. Source failures
// degrade to the neutral signal rather than blocking the cycle.
func (m *Modulator) Signal(ctx context.Context, symbol string, at time.Time) (*core.SentimentSignal, error) {
	if !m.cfg.Enabled || m.source == nil {
		return Neutral(), nil
	}

	raw, err := m.source.Scores(ctx, symbol)
	if err != nil {
		m.logger.Warn("sentiment source failed, using neutral signal", "symbol", symbol, "error", err)
		return Neutral(), nil
	}

	score, used := composite(raw, m.cfg.Weights)
	if used == 0 {
		return Neutral(), nil
	}

	sig := signalFromScore(m.cfg, score)
	m.logger.Debug("sentiment signal",
		"symbol", symbol, "score", fmt.Sprintf("%.1f", score),
		"skip_buys", sig.SkipBuys, "skip_sells", sig.SkipSells,
		"components", componentList(raw))
	return sig, nil
}

// signalFromScore applies the admission thresholds and multiplier tables
// to a composite score.
func signalFromScore(cfg Config, score float64) *core.SentimentSignal {
	return &core.SentimentSignal{
		Score:              score,
		SkipBuys:           score >= cfg.SkipBuyThreshold,
		SkipSells:          score <= cfg.SkipSellThreshold,
		SizeMultiplier:     sizeMultiplier(score),
		DipBuyerMultiplier: dipMultiplier(score),
		Recommendation:     recommendation(score),
	}
}

// composite computes the weighted average over present components.
// Absent components drop from both numerator and denominator so the
// result stays unbiased. Returns the score and the component count used.
func composite(raw map[string]float64, weights map[string]float64) (float64, int) {
	var num, den float64
	used := 0
	for name, w := range weights {
		v, ok := raw[name]
		if !ok || w <= 0 {
			continue
		}
		num += v * w
		den += w
		used++
	}
	if den == 0 {
		return 50, 0
	}
	return gridmath.ClampFloat(num/den, 0, 100), used
}

// sizeMultiplier is contrarian: fear grows orders, greed shrinks them.
func sizeMultiplier(score float64) float64 {
	switch {
	case score <= 25:
		return 1.4
	case score <= 40:
		return 1.2
	case score <= 50:
		return 1.1
	case score <= 55:
		return 1.0
	case score <= 65:
		return 0.9
	case score <= 75:
		return 0.6
	default:
		return 0.5
	}
}

// dipMultiplier scales the dip-buyer reserve: 2x at extreme fear,
// fading linearly through 1.0 at neutral.
func dipMultiplier(score float64) float64 {
	return gridmath.ClampFloat((100-score)/50, 0.25, 2.0)
}

func recommendation(score float64) string {
	switch {
	case score <= 25:
		return "extreme fear: accumulate"
	case score <= 45:
		return "fear: lean long"
	case score < 55:
		return "neutral"
	case score < 75:
		return "greed: reduce exposure"
	default:
		return "extreme greed: distribute"
	}
}

func componentList(raw map[string]float64) string {
	names := make([]string, 0, len(raw))
	for n := range raw {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
