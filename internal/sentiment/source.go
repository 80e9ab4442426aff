package sentiment

import (
	"context"
	"fmt"
	"os"
	"time"

	"gridtrader/internal/core"

	"gopkg.in/yaml.v3"
)

// StaticSource serves fixed component scores. Used by paper trading and
// backtests where live mood feeds make runs non-reproducible.
type StaticSource struct {
	Components map[string]float64
}

func (s *StaticSource) Scores(ctx context.Context, symbol string) (map[string]float64, error) {
	out := make(map[string]float64, len(s.Components))
	for k, v := range s.Components {
		out[k] = v
	}
	return out, nil
}

// FuncSource adapts a plain function, useful for wiring external
// fetchers without a dedicated type.
type FuncSource func(ctx context.Context, symbol string) (map[string]float64, error)

func (f FuncSource) Scores(ctx context.Context, symbol string) (map[string]float64, error) {
	return f(ctx, symbol)
}

// HistoryProvider replays recorded per-day component scores, keyed by
// UTC date (2006-01-02). Backtests use it so sentiment at a candle
// reflects that candle's day, not the present.
type HistoryProvider struct {
	cfg   Config
	byDay map[string]map[string]float64
}

func NewHistoryProvider(cfg Config, byDay map[string]map[string]float64) *HistoryProvider {
	return &HistoryProvider{cfg: cfg, byDay: byDay}
}

// ScoresFile is the on-disk fixture format: current component scores for
// live and paper runs, per-day history for backtests.
type ScoresFile struct {
	Current map[string]float64            `yaml:"current"`
	History map[string]map[string]float64 `yaml:"history"`
}

// LoadScoresFile reads a YAML score fixture.
func LoadScoresFile(path string) (*ScoresFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scores file: %w", err)
	}
	var f ScoresFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scores file: %w", err)
	}
	return &f, nil
}

func (h *HistoryProvider) Signal(ctx context.Context, symbol string, at time.Time) (*core.SentimentSignal, error) {
	if !h.cfg.Enabled {
		return Neutral(), nil
	}
	raw, ok := h.byDay[at.UTC().Format("2006-01-02")]
	if !ok {
		return Neutral(), nil
	}
	score, used := composite(raw, h.cfg.Weights)
	if used == 0 {
		return Neutral(), nil
	}
	return signalFromScore(h.cfg, score), nil
}
