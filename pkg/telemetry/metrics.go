package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCyclesTotal        = "paneltrader_cycles_total"
	MetricTradesClosedTotal  = "paneltrader_trades_closed_total"
	MetricPnLRealizedTotal   = "paneltrader_pnl_realized_total"
	MetricPnLUnrealized      = "paneltrader_pnl_unrealized"
	MetricTotalEquity        = "paneltrader_total_equity"
	MetricPositionSize       = "paneltrader_position_size"
	MetricAgentTurnLatency   = "paneltrader_agent_turn_latency_ms"
	MetricVotesAbsentTotal   = "paneltrader_votes_absent_total"
	MetricCircuitBreakerOpen = "paneltrader_circuit_breaker_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CyclesTotal        metric.Int64Counter
	TradesClosedTotal  metric.Int64Counter
	PnLRealizedTotal   metric.Float64UpDownCounter
	PnLUnrealized      metric.Float64ObservableGauge
	TotalEquity        metric.Float64ObservableGauge
	PositionSize       metric.Float64ObservableGauge
	AgentTurnLatency   metric.Float64Histogram
	VotesAbsentTotal   metric.Int64Counter
	CircuitBreakerOpen metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	totalEquityMap   map[string]float64
	positionSizeMap  map[string]float64
	cbOpenMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			totalEquityMap:   make(map[string]float64),
			positionSizeMap:  make(map[string]float64),
			cbOpenMap:        make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal, metric.WithDescription("Total orchestration cycles by outcome"))
	if err != nil {
		return err
	}

	m.TradesClosedTotal, err = meter.Int64Counter(MetricTradesClosedTotal, metric.WithDescription("Total closed trades"))
	if err != nil {
		return err
	}

	// Realized PnL is signed, so it must not be a monotonic counter
	m.PnLRealizedTotal, err = meter.Float64UpDownCounter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.AgentTurnLatency, err = meter.Float64Histogram(MetricAgentTurnLatency, metric.WithDescription("Latency of agent turns"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.VotesAbsentTotal, err = meter.Int64Counter(MetricVotesAbsentTotal, metric.WithDescription("Votes discarded or absent across meetings"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TotalEquity, err = meter.Float64ObservableGauge(MetricTotalEquity, metric.WithDescription("Current total equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.totalEquityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetTotalEquity(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEquityMap[symbol] = value
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

// RecordCycle increments the cycle counter with its outcome attribute. Safe
// to call before InitMetrics; it is a no-op until instruments exist.
func (m *MetricsHolder) RecordCycle(ctx context.Context, outcome string) {
	if m.CyclesTotal == nil {
		return
	}
	m.CyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordClosedTrade records one closed trade and its realized PnL
func (m *MetricsHolder) RecordClosedTrade(ctx context.Context, symbol, reason string, pnl float64) {
	if m.TradesClosedTotal == nil || m.PnLRealizedTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("symbol", symbol), attribute.String("reason", reason))
	m.TradesClosedTotal.Add(ctx, 1, attrs)
	m.PnLRealizedTotal.Add(ctx, pnl, attrs)
}

// RecordAgentTurn records one agent turn latency sample
func (m *MetricsHolder) RecordAgentTurn(ctx context.Context, participant string, ms float64) {
	if m.AgentTurnLatency == nil {
		return
	}
	m.AgentTurnLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("participant", participant)))
}

// RecordAbsentVote counts a vote that failed to parse or never arrived
func (m *MetricsHolder) RecordAbsentVote(ctx context.Context, participant string) {
	if m.VotesAbsentTotal == nil {
		return
	}
	m.VotesAbsentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("participant", participant)))
}
