package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal    = "gridengine_pnl_realized_total"
	MetricPnLUnrealized       = "gridengine_pnl_unrealized"
	MetricOrdersActive        = "gridengine_orders_active"
	MetricOrdersPlacedTotal   = "gridengine_orders_placed_total"
	MetricOrdersFilledTotal   = "gridengine_orders_filled_total"
	MetricOrdersRejectedTotal = "gridengine_orders_rejected_total"
	MetricVolumeTotal         = "gridengine_volume_total"
	MetricLongExposure        = "gridengine_long_exposure"
	MetricLatencyExchange     = "gridengine_latency_exchange_ms"
	MetricLatencyTickToTrade  = "gridengine_latency_tick_to_trade_ms"
	MetricEngineDegraded      = "gridengine_degraded"
	MetricSafetyBlockedTotal  = "gridengine_safety_blocked_total"
	MetricLedgerDrift         = "gridengine_ledger_drift"
	MetricReconcileUnmatched  = "gridengine_reconcile_unmatched"
	MetricRecoveredFillTotal  = "gridengine_recovered_fill_total"
	MetricRecoveredDiscardTotal = "gridengine_recovered_discard_total"
)

// MetricsHolder holds initialized instruments for one engine instance.
// Mirrors the teacher's counter/observable-gauge split: monotonic events
// use Counters, point-in-time state uses ObservableGauges backed by a
// mutex-guarded map keyed by symbol.
type MetricsHolder struct {
	PnLRealizedTotal    metric.Float64Counter
	PnLUnrealized       metric.Float64ObservableGauge
	OrdersActive        metric.Int64ObservableGauge
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	VolumeTotal         metric.Float64Counter
	LongExposure        metric.Float64ObservableGauge
	LatencyExchange     metric.Float64Histogram
	LatencyTickToTrade  metric.Float64Histogram
	EngineDegraded      metric.Int64ObservableGauge
	SafetyBlockedTotal  metric.Int64Counter
	LedgerDrift         metric.Float64ObservableGauge
	ReconcileUnmatched  metric.Int64ObservableGauge
	RecoveredFillTotal  metric.Int64Counter
	RecoveredDiscardTotal metric.Int64Counter

	mu                sync.RWMutex
	unrealizedPnLMap  map[string]float64
	activeOrdersMap   map[string]int64
	longExposureMap   map[string]float64
	degradedMap       map[string]int64
	ledgerDriftMap    map[string]float64
	unmatchedMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			activeOrdersMap:  make(map[string]int64),
			longExposureMap:  make(map[string]float64),
			degradedMap:      make(map[string]int64),
			ledgerDriftMap:   make(map[string]float64),
			unmatchedMap:     make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the provided meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by the exchange or safety gate")); err != nil {
		return err
	}
	if m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total trading volume in base asset")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange adapter calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade, metric.WithDescription("Time from bar ingestion to order action"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.SafetyBlockedTotal, err = meter.Int64Counter(MetricSafetyBlockedTotal, metric.WithDescription("Total orders blocked by the safety gate")); err != nil {
		return err
	}
	if m.RecoveredFillTotal, err = meter.Int64Counter(MetricRecoveredFillTotal, metric.WithDescription("Disappeared orders recovered as confirmed fills")); err != nil {
		return err
	}
	if m.RecoveredDiscardTotal, err = meter.Int64Counter(MetricRecoveredDiscardTotal, metric.WithDescription("Disappeared orders discarded without a confirmed position delta")); err != nil {
		return err
	}

	if m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(m.observeFloat(&m.mu, func() map[string]float64 { return m.unrealizedPnLMap }))); err != nil {
		return err
	}
	if m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open/acknowledged orders"),
		metric.WithInt64Callback(m.observeInt(&m.mu, func() map[string]int64 { return m.activeOrdersMap }))); err != nil {
		return err
	}
	if m.LongExposure, err = meter.Float64ObservableGauge(MetricLongExposure, metric.WithDescription("Ledger-tracked long exposure"),
		metric.WithFloat64Callback(m.observeFloat(&m.mu, func() map[string]float64 { return m.longExposureMap }))); err != nil {
		return err
	}
	if m.EngineDegraded, err = meter.Int64ObservableGauge(MetricEngineDegraded, metric.WithDescription("Engine degraded state (1=degraded, 0=running)"),
		metric.WithInt64Callback(m.observeInt(&m.mu, func() map[string]int64 { return m.degradedMap }))); err != nil {
		return err
	}
	if m.LedgerDrift, err = meter.Float64ObservableGauge(MetricLedgerDrift, metric.WithDescription("Absolute drift between ledger and exchange long holdings"),
		metric.WithFloat64Callback(m.observeFloat(&m.mu, func() map[string]float64 { return m.ledgerDriftMap }))); err != nil {
		return err
	}
	if m.ReconcileUnmatched, err = meter.Int64ObservableGauge(MetricReconcileUnmatched, metric.WithDescription("Unmatched orders found in the last reconcile pass"),
		metric.WithInt64Callback(m.observeInt(&m.mu, func() map[string]int64 { return m.unmatchedMap }))); err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) observeFloat(mu *sync.RWMutex, src func() map[string]float64) metric.Float64Callback {
	return func(ctx context.Context, obs metric.Float64Observer) error {
		mu.RLock()
		defer mu.RUnlock()
		for sym, val := range src() {
			obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
		}
		return nil
	}
}

func (m *MetricsHolder) observeInt(mu *sync.RWMutex, src func() map[string]int64) metric.Int64Callback {
	return func(ctx context.Context, obs metric.Int64Observer) error {
		mu.RLock()
		defer mu.RUnlock()
		for sym, val := range src() {
			obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
		}
		return nil
	}
}

// Helpers to update observable state.

func (m *MetricsHolder) SetEngineDegraded(symbol string, degraded bool) {
	val := int64(0)
	if degraded {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradedMap[symbol] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetLongExposure(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.longExposureMap[symbol] = size
}

func (m *MetricsHolder) SetLedgerDrift(symbol string, drift float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerDriftMap[symbol] = drift
}

func (m *MetricsHolder) SetReconcileUnmatched(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmatchedMap[symbol] = count
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}
