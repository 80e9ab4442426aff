package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal    = "gridtrader_orders_placed_total"
	MetricOrdersFilledTotal    = "gridtrader_orders_filled_total"
	MetricOrdersCancelledTotal = "gridtrader_orders_cancelled_total"
	MetricReplacementsTotal    = "gridtrader_replacements_total"
	MetricRebalancesTotal      = "gridtrader_rebalances_total"
	MetricSkippedBuysTotal     = "gridtrader_sentiment_skipped_buys_total"
	MetricSkippedSellsTotal    = "gridtrader_sentiment_skipped_sells_total"
	MetricPnLRealizedTotal     = "gridtrader_pnl_realized_total"
	MetricOrdersOpen           = "gridtrader_orders_open"
	MetricCycleDuration        = "gridtrader_cycle_duration_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	ReplacementsTotal    metric.Int64Counter
	RebalancesTotal      metric.Int64Counter
	SkippedBuysTotal     metric.Int64Counter
	SkippedSellsTotal    metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	OrdersOpen           metric.Int64ObservableGauge
	CycleDuration        metric.Float64Histogram

	mu            sync.RWMutex
	openOrdersMap map[string]int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total limit orders placed"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}
	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}
	m.ReplacementsTotal, err = meter.Int64Counter(MetricReplacementsTotal, metric.WithDescription("Total replacement orders issued after fills"))
	if err != nil {
		return err
	}
	m.RebalancesTotal, err = meter.Int64Counter(MetricRebalancesTotal, metric.WithDescription("Total grid rebalances"))
	if err != nil {
		return err
	}
	m.SkippedBuysTotal, err = meter.Int64Counter(MetricSkippedBuysTotal, metric.WithDescription("Buy levels skipped by sentiment admission"))
	if err != nil {
		return err
	}
	m.SkippedSellsTotal, err = meter.Int64Counter(MetricSkippedSellsTotal, metric.WithDescription("Sell levels skipped by sentiment admission"))
	if err != nil {
		return err
	}
	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}
	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration, metric.WithDescription("Engine cycle duration in milliseconds"))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen,
		metric.WithDescription("Open orders per bot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for bot, n := range m.openOrdersMap {
				o.Observe(n, metric.WithAttributes(attribute.String("bot", bot)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether instruments have been initialized.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// SetOpenOrders records the current open-order count for a bot.
func (m *MetricsHolder) SetOpenOrders(bot string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[bot] = n
}
