package market

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// CandleCache persists fetched OHLCV windows as JSON files so repeated
// backtests and restarts do not refetch history. Keys are
// symbol_timeframe_start_end; windows must match exactly to hit.
type CandleCache struct {
	dir string
}

// NewCandleCache creates the cache directory if needed.
func NewCandleCache(dir string) (*CandleCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &CandleCache{dir: dir}, nil
}

type cachedCandle struct {
	OpenTime  int64  `json:"t"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	CloseTime int64  `json:"ct"`
}

// Get returns the cached window, if present and readable.
func (c *CandleCache) Get(symbol, timeframe string, start, end time.Time) ([]core.Candle, bool) {
	data, err := os.ReadFile(c.path(symbol, timeframe, start, end))
	if err != nil {
		return nil, false
	}
	var rows []cachedCandle
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, r := range rows {
		candle, err := r.toCandle()
		if err != nil {
			return nil, false
		}
		candles = append(candles, candle)
	}
	return candles, true
}

// Put stores a fetched window. Write is atomic via rename.
func (c *CandleCache) Put(symbol, timeframe string, start, end time.Time, candles []core.Candle) error {
	rows := make([]cachedCandle, 0, len(candles))
	for _, candle := range candles {
		rows = append(rows, cachedCandle{
			OpenTime:  candle.OpenTime.UnixMilli(),
			Open:      candle.Open.String(),
			High:      candle.High.String(),
			Low:       candle.Low.String(),
			Close:     candle.Close.String(),
			Volume:    candle.Volume.String(),
			CloseTime: candle.CloseTime.UnixMilli(),
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	final := c.path(symbol, timeframe, start, end)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (c *CandleCache) path(symbol, timeframe string, start, end time.Time) string {
	sym := strings.ReplaceAll(strings.ToUpper(symbol), "/", "")
	name := fmt.Sprintf("%s_%s_%d_%d.json", sym, timeframe, start.UnixMilli(), end.UnixMilli())
	return filepath.Join(c.dir, name)
}

func (r cachedCandle) toCandle() (core.Candle, error) {
	var candle core.Candle
	var err error
	if candle.Open, err = decimal.NewFromString(r.Open); err != nil {
		return candle, err
	}
	if candle.High, err = decimal.NewFromString(r.High); err != nil {
		return candle, err
	}
	if candle.Low, err = decimal.NewFromString(r.Low); err != nil {
		return candle, err
	}
	if candle.Close, err = decimal.NewFromString(r.Close); err != nil {
		return candle, err
	}
	if candle.Volume, err = decimal.NewFromString(r.Volume); err != nil {
		return candle, err
	}
	candle.OpenTime = time.UnixMilli(r.OpenTime).UTC()
	candle.CloseTime = time.UnixMilli(r.CloseTime).UTC()
	return candle, nil
}
